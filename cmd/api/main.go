// Package main implements the Pieza API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jessicajji/pieza/engine/domain"
	"github.com/jessicajji/pieza/engine/embed"
	"github.com/jessicajji/pieza/engine/prompt"
	"github.com/jessicajji/pieza/engine/search"
	"github.com/jessicajji/pieza/engine/semantic"
	"github.com/jessicajji/pieza/pkg/ebay"
	"github.com/jessicajji/pieza/pkg/metrics"
	"github.com/jessicajji/pieza/pkg/mid"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	QdrantURL  string
	Collection string
	CORSOrigin string

	OpenAIKey string
	CLIPURL   string

	EbayEnv          domain.Environment
	EbayClientID     string
	EbayClientSecret string

	VerificationToken     string
	ComplianceEndpointURL string
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "furniture_items"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),

		OpenAIKey: os.Getenv("OPENAI_API_KEY"),
		CLIPURL:   envOr("CLIP_URL", "http://localhost:8090"),

		EbayEnv:          domain.Environment(envOr("EBAY_ENV", string(domain.EnvSandbox))),
		EbayClientID:     os.Getenv("EBAY_CLIENT_ID"),
		EbayClientSecret: os.Getenv("EBAY_CLIENT_SECRET"),

		VerificationToken:     os.Getenv("EBAY_VERIFICATION_TOKEN"),
		ComplianceEndpointURL: os.Getenv("EBAY_COMPLIANCE_ENDPOINT_URL"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	if err := vectorStore.EnsureIdentityIndexes(ctx); err != nil {
		return fmt.Errorf("ensure identity indexes: %w", err)
	}

	// --- Build services ---
	tokens := ebay.NewTokenCache(map[domain.Environment]ebay.Credentials{
		cfg.EbayEnv: {ClientID: cfg.EbayClientID, ClientSecret: cfg.EbayClientSecret},
	}, logger)
	market := ebay.NewClient(cfg.EbayEnv, tokens, logger)

	embedder := embed.New(
		embed.NewOpenAIEmbedder(cfg.OpenAIKey),
		embed.NewCLIPClient(cfg.CLIPURL),
		logger,
	)
	parser := prompt.New(cfg.OpenAIKey)
	searchSvc := search.New(parser, market, embedder, vectorStore, logger)

	reg := metrics.New()

	// --- Build HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/search", handleSearch(searchSvc, reg, logger))
	mux.HandleFunc("GET /api/ebay-compliance", handleChallenge(cfg, logger))
	mux.HandleFunc("POST /api/ebay-compliance", handleDeletionNotice(vectorStore, reg, logger))
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("pieza-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
