// Package ingest provides the bulk import pipeline that pulls marketplace
// listings through fetch, quality filtering, embedding, and storage stages,
// driven by NATS jobs.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jessicajji/pieza/engine/domain"
	"github.com/jessicajji/pieza/engine/embed"
	"github.com/jessicajji/pieza/pkg/ebay"
	"github.com/jessicajji/pieza/pkg/fn"
	"github.com/jessicajji/pieza/pkg/natsutil"
)

const (
	// IngestSubject is the NATS subject for import jobs.
	IngestSubject = "pieza.ingest"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "pieza.ingest.dlq"
	// MaxRetries before sending a job to the DLQ.
	MaxRetries = 3
	// EmbedBatchSize is the max items per embedding batch.
	EmbedBatchSize = 50
	// Vendor is the marketplace identifier stored with every listing.
	Vendor = "EBAY"
)

// Market fetches listing pages from the marketplace.
type Market interface {
	Search(ctx context.Context, query string, limit, offset int) (ebay.Page, error)
	SearchByCategory(ctx context.Context, categoryID string, limit, offset int) (ebay.Page, error)
}

// Embedder is the slice of the embedding pipeline the importer uses.
type Embedder interface {
	EmbedBulkItems(ctx context.Context, items []domain.Item, batchSize int) ([]embed.ItemVectors, error)
}

// Store is the slice of the vector store the importer uses.
type Store interface {
	AddItem(ctx context.Context, vendor string, item domain.Item, textVector, imageVector []float32) (bool, error)
}

// Deps holds the external dependencies for the import pipeline.
type Deps struct {
	Market   Market
	Embedder Embedder
	Store    Store
	Logger   *slog.Logger
}

// --- Pipeline Stages ---

// NewFetch creates the stage that pulls a listing page for a job.
func NewFetch(market Market) fn.Stage[Job, FetchedBatch] {
	return func(ctx context.Context, job Job) fn.Result[FetchedBatch] {
		var (
			page ebay.Page
			err  error
		)
		if job.CategoryID != "" {
			page, err = market.SearchByCategory(ctx, job.CategoryID, job.Limit, job.Offset)
		} else {
			page, err = market.Search(ctx, job.Keyword, job.Limit, job.Offset)
		}
		if err != nil {
			return fn.Err[FetchedBatch](fmt.Errorf("fetch: %w", err))
		}
		return fn.Ok(FetchedBatch{Job: job, Items: page.Items, Fetched: len(page.Items)})
	}
}

// Filter drops listings that fail the quality gate and collapses duplicate
// vendor item ids within the batch.
var Filter fn.Stage[FetchedBatch, FetchedBatch] = func(_ context.Context, batch FetchedBatch) fn.Result[FetchedBatch] {
	kept := fn.Filter(batch.Items, func(it domain.Item) bool {
		return domain.ValidateItem(it) == nil
	})
	kept = fn.UniqueBy(kept, func(it domain.Item) string { return it.VendorItemID })
	batch.Items = kept
	return fn.Ok(batch)
}

// NewEmbedStage creates the stage that embeds a filtered batch.
func NewEmbedStage(embedder Embedder) fn.Stage[FetchedBatch, EmbeddedBatch] {
	return func(ctx context.Context, batch FetchedBatch) fn.Result[EmbeddedBatch] {
		vectors, err := embedder.EmbedBulkItems(ctx, batch.Items, EmbedBatchSize)
		if err != nil {
			return fn.Err[EmbeddedBatch](fmt.Errorf("embed batch: %w", err))
		}
		return fn.Ok(EmbeddedBatch{FetchedBatch: batch, Vectors: vectors})
	}
}

// NewStoreStage creates the stage that writes an embedded batch to the
// vector store. Individual store failures and identity-key duplicates never
// fail the batch; both count as skips.
func NewStoreStage(store Store, log *slog.Logger) fn.Stage[EmbeddedBatch, Report] {
	return func(ctx context.Context, batch EmbeddedBatch) fn.Result[Report] {
		report := Report{
			Job:      batch.Job,
			Fetched:  batch.Fetched,
			Filtered: batch.Fetched - len(batch.Items),
		}
		for i, item := range batch.Items {
			added, err := store.AddItem(ctx, Vendor, item, batch.Vectors[i].Text, batch.Vectors[i].Image)
			if err != nil {
				log.Warn("ingest: store failed for item",
					"vendor_item_id", item.VendorItemID, "error", err)
				report.Skipped++
				continue
			}
			if added {
				report.Stored++
			} else {
				report.Skipped++
			}
		}
		return fn.Ok(report)
	}
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Info("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Info("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full import pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[Job, Report] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	fetched := fn.Then(LoggedTap[Job]("fetch", log), fn.TracedStage("ingest.fetch", NewFetch(deps.Market)))
	filtered := fn.Then(fetched, fn.Then(LoggedTap[FetchedBatch]("filter", log), fn.TracedStage("ingest.filter", Filter)))
	embedded := fn.Then(filtered, fn.Then(LoggedTap[FetchedBatch]("embed", log), fn.TracedStage("ingest.embed", NewEmbedStage(deps.Embedder))))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedBatch]("store", log), fn.TracedStage("ingest.store", NewStoreStage(deps.Store, log))))

	return stored
}

// DeadLetter is the message published to the DLQ on repeated failure.
type DeadLetter struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// StartConsumer starts a NATS consumer that runs import jobs through the
// pipeline with retry and DLQ support.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		ctx := natsutil.ContextFromMsg(msg)

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		result := pipeline(ctx, job)
		if result.IsErr() {
			_, pipeErr := result.Unwrap()
			retries++
			log.Error("ingest: pipeline failed",
				"error", pipeErr,
				"keyword", job.Keyword,
				"category_id", job.CategoryID,
				"retry", retries,
			)

			if retries >= MaxRetries {
				dlq := DeadLetter{Job: job, Error: pipeErr.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if err := nc.Publish(DLQSubject, data); err != nil {
					log.Error("ingest: DLQ publish failed", "error", err)
				}
			} else {
				retryMsg := nats.NewMsg(IngestSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
				if err := nc.PublishMsg(retryMsg); err != nil {
					log.Error("ingest: retry publish failed", "error", err)
				}
			}
			return
		}

		report, _ := result.Unwrap()
		log.Info("ingest: job complete",
			"keyword", job.Keyword,
			"category_id", job.CategoryID,
			"fetched", report.Fetched,
			"filtered", report.Filtered,
			"stored", report.Stored,
			"skipped", report.Skipped,
		)
	})
}
