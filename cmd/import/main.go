// Command import publishes bulk import jobs for the furniture keyword and
// category lists, or with -serve runs the consumer loop that processes them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/jessicajji/pieza/engine/domain"
	"github.com/jessicajji/pieza/engine/embed"
	"github.com/jessicajji/pieza/engine/ingest"
	"github.com/jessicajji/pieza/engine/semantic"
	"github.com/jessicajji/pieza/pkg/ebay"
	"github.com/jessicajji/pieza/pkg/natsutil"
)

// furnitureCategories lists the marketplace category ids covered by a full
// import run.
var furnitureCategories = []string{
	"11700",  // Antiques
	"162912", // Furniture
	"38219",  // Home & Garden > Furniture
	"63514",  // Chairs
	"63515",  // Tables
	"63516",  // Beds
	"63517",  // Storage
	"63518",  // Living Room
	"63519",  // Dining Room
	"63520",  // Bedroom
	"63521",  // Office
}

// furnitureKeywords lists the keyword queries covered by a full import run.
var furnitureKeywords = []string{
	"chair", "table", "desk", "bed", "sofa", "couch", "dresser", "cabinet",
	"bookshelf", "nightstand", "dining table", "coffee table", "end table",
	"armchair", "recliner", "ottoman", "bench", "stool", "wardrobe",
	"vintage chair", "antique table", "modern sofa", "wooden desk",
	"leather chair", "fabric sofa", "metal table", "glass table",
	"dining chair", "office chair", "gaming chair", "accent chair",
}

func main() {
	_ = godotenv.Load()

	var (
		natsURL   = flag.String("nats", nats.DefaultURL, "NATS server URL")
		serve     = flag.Bool("serve", false, "run the consumer loop instead of publishing jobs")
		pageLimit = flag.Int("limit", 200, "listings per job")

		qdrantAddr = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "furniture_items"), "Qdrant collection name")
		clipURL    = flag.String("clip", envOr("CLIP_URL", "http://localhost:8090"), "CLIP sidecar base URL")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if *serve {
		if err := runConsumer(nc, *qdrantAddr, *collection, *clipURL, logger); err != nil {
			logger.Error("consumer exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	publishJobs(nc, *pageLimit, logger)
}

func publishJobs(nc *nats.Conn, pageLimit int, logger *slog.Logger) {
	ctx := context.Background()
	published := 0

	for _, keyword := range furnitureKeywords {
		job := ingest.Job{Keyword: keyword, Limit: pageLimit}
		if err := natsutil.Publish(ctx, nc, ingest.IngestSubject, job); err != nil {
			logger.Error("publish failed", "keyword", keyword, "error", err)
			continue
		}
		published++
	}
	for _, categoryID := range furnitureCategories {
		job := ingest.Job{CategoryID: categoryID, Limit: pageLimit}
		if err := natsutil.Publish(ctx, nc, ingest.IngestSubject, job); err != nil {
			logger.Error("publish failed", "category_id", categoryID, "error", err)
			continue
		}
		published++
	}

	// Flush before exit so queued jobs actually reach the server.
	if err := nc.Flush(); err != nil {
		logger.Error("nats flush failed", "error", err)
	}
	logger.Info("import jobs published", "count", published)
}

func runConsumer(nc *nats.Conn, qdrantAddr, collection, clipURL string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := semantic.New(qdrantAddr, collection, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureCollection(ctx); err != nil {
		return err
	}
	if err := store.EnsureIdentityIndexes(ctx); err != nil {
		return err
	}

	env := domain.Environment(envOr("EBAY_ENV", string(domain.EnvSandbox)))
	tokens := ebay.NewTokenCache(map[domain.Environment]ebay.Credentials{
		env: {
			ClientID:     os.Getenv("EBAY_CLIENT_ID"),
			ClientSecret: os.Getenv("EBAY_CLIENT_SECRET"),
		},
	}, logger)
	market := ebay.NewClient(env, tokens, logger)

	embedder := embed.New(
		embed.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY")),
		embed.NewCLIPClient(clipURL),
		logger,
	)

	sub, err := ingest.StartConsumer(nc, ingest.Deps{
		Market:   market,
		Embedder: embedder,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	// Surface dead-lettered jobs in the consumer's own log.
	dlqSub, err := natsutil.Subscribe(nc, ingest.DLQSubject, func(_ context.Context, dl ingest.DeadLetter) {
		logger.Error("job dead-lettered",
			"keyword", dl.Job.Keyword,
			"category_id", dl.Job.CategoryID,
			"error", dl.Error,
			"retries", dl.Retries,
		)
	})
	if err != nil {
		return err
	}
	defer dlqSub.Unsubscribe()

	logger.Info("import consumer running", "subject", ingest.IngestSubject)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
