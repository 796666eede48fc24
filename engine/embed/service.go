// Package embed turns listings, queries, and listing images into vectors.
// Text embedding is the mandatory path; image embedding is best effort and
// never fails an item.
package embed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jessicajji/pieza/engine/domain"
	"github.com/jessicajji/pieza/pkg/fn"
	"github.com/jessicajji/pieza/pkg/resilience"
)

// TextVectorSize is the text embedding output dimensionality
// (text-embedding-3-small).
const TextVectorSize = 1536

const (
	// DefaultBatchSize is the number of texts sent per embedding call.
	DefaultBatchSize = 64

	// DefaultImageWorkers bounds concurrent image fetch+embed calls.
	DefaultImageWorkers = 4
)

// TextEmbedder embeds a batch of texts, returning one vector per input in
// input order.
type TextEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// ImageEmbedder embeds raw image bytes.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
}

// ItemVectors holds both vectors for one listing. Image is nil when the
// listing has no image or image embedding failed.
type ItemVectors struct {
	Text  []float32
	Image []float32
}

// Service is the embedding pipeline.
type Service struct {
	text  TextEmbedder
	image ImageEmbedder

	// HTTPClient fetches listing images. Replaceable in tests.
	HTTPClient *http.Client

	// TextPace spaces out text embedding batches; ItemPace is the coarser
	// limiter between whole item batches in bulk ingestion.
	TextPace *resilience.Limiter
	ItemPace *resilience.Limiter

	logger *slog.Logger
}

// New creates an embedding Service with default pacing.
func New(text TextEmbedder, image ImageEmbedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		text:       text,
		image:      image,
		HTTPClient: &http.Client{},
		TextPace:   resilience.NewLimiter(resilience.LimiterOpts{Rate: 5, Burst: 5}),
		ItemPace:   resilience.NewLimiter(resilience.LimiterOpts{Rate: 1, Burst: 2}),
		logger:     logger,
	}
}

// EmbedText embeds a single text.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.text.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", domain.ErrEmbedding, len(vecs))
	}
	return vecs[0], nil
}

// EmbedImage fetches the image at imageURL and embeds its bytes.
func (s *Service) EmbedImage(ctx context.Context, imageURL string) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build image request: %v", domain.ErrEmbedding, err)
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch image: %v", domain.ErrEmbedding, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: fetch image: status %d", domain.ErrEmbedding, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read image: %v", domain.ErrEmbedding, err)
	}

	vec, err := s.image.EmbedImage(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}
	return vec, nil
}

// EmbedItem embeds one listing. The text vector is mandatory; the image
// vector is best effort and a failure only logs.
func (s *Service) EmbedItem(ctx context.Context, item domain.Item) (ItemVectors, error) {
	textVec, err := s.EmbedText(ctx, describeItem(item))
	if err != nil {
		return ItemVectors{}, err
	}

	out := ItemVectors{Text: textVec}
	if item.ImageURL != "" {
		imgVec, err := s.EmbedImage(ctx, item.ImageURL)
		if err != nil {
			s.logger.Warn("embed: image embedding failed",
				"vendor_item_id", item.VendorItemID, "error", err)
		} else {
			out.Image = imgVec
		}
	}
	return out, nil
}

// EmbedBulkText embeds texts in batches of batchSize. A failed batch fills
// its slots with zero vectors of the correct dimensionality instead of
// failing the whole call, so callers keep positional alignment with their
// inputs.
func (s *Service) EmbedBulkText(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range fn.Chunk(texts, batchSize) {
		if err := s.TextPace.Wait(ctx); err != nil {
			return nil, err
		}
		vecs, err := s.text.EmbedTexts(ctx, batch)
		if err != nil || len(vecs) != len(batch) {
			if err == nil {
				err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))
			}
			s.logger.Warn("embed: batch failed, filling zero vectors",
				"batch_size", len(batch), "error", err)
			for range batch {
				out = append(out, make([]float32, TextVectorSize))
			}
			continue
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedBulkImages embeds the images at refs with bounded concurrency.
// Output order matches refs; a failed ref leaves its slot nil.
func (s *Service) EmbedBulkImages(ctx context.Context, refs []string, maxWorkers int) [][]float32 {
	if maxWorkers <= 0 {
		maxWorkers = DefaultImageWorkers
	}
	return fn.ParMap(refs, maxWorkers, func(ref string) []float32 {
		vec, err := s.EmbedImage(ctx, ref)
		if err != nil {
			s.logger.Warn("embed: image embedding failed", "ref", ref, "error", err)
			return nil
		}
		return vec
	})
}

// EmbedBulkItems embeds a slice of listings. Items are processed in batches
// of batchSize paced by ItemPace; within a batch the descriptions go through
// EmbedBulkText and the image refs fan out through EmbedBulkImages, with
// image vectors re-associated to their items by position. The result is
// aligned with items.
func (s *Service) EmbedBulkItems(ctx context.Context, items []domain.Item, batchSize int) ([]ItemVectors, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([]ItemVectors, 0, len(items))
	for _, batch := range fn.Chunk(items, batchSize) {
		if err := s.ItemPace.Wait(ctx); err != nil {
			return nil, err
		}

		texts := fn.Map(batch, describeItem)
		textVecs, err := s.EmbedBulkText(ctx, texts, batchSize)
		if err != nil {
			return nil, err
		}

		// Only items with images get a fetch; remember which slot each
		// ref came from so vectors land back on the right item.
		var refs []string
		var refIdx []int
		for i, it := range batch {
			if it.ImageURL != "" {
				refs = append(refs, it.ImageURL)
				refIdx = append(refIdx, i)
			}
		}
		imgVecs := s.EmbedBulkImages(ctx, refs, DefaultImageWorkers)

		batchOut := make([]ItemVectors, len(batch))
		for i := range batch {
			batchOut[i].Text = textVecs[i]
		}
		for j, vec := range imgVecs {
			batchOut[refIdx[j]].Image = vec
		}
		out = append(out, batchOut...)
	}
	return out, nil
}

// describeItem builds the canonical text representation of a listing.
// Field order and separators are fixed so the same listing always embeds to
// the same vector.
func describeItem(item domain.Item) string {
	parts := []string{item.Title}
	if item.Condition != "" {
		parts = append(parts, "Condition: "+item.Condition)
	}
	if item.Location != "" {
		parts = append(parts, "Location: "+item.Location)
	}
	parts = append(parts,
		fmt.Sprintf("Price: %.2f %s", item.Price, item.Currency),
		fmt.Sprintf("Shipping: %.2f", item.ShippingCost),
		fmt.Sprintf("Seller rating: %.1f", item.SellerRating),
	)
	if item.ItemURL != "" {
		parts = append(parts, "Listing: "+item.ItemURL)
	}
	if item.Category != "" {
		parts = append(parts, "Category: "+item.Category)
	}
	if item.Description != "" {
		parts = append(parts, item.Description)
	}
	return strings.Join(parts, ". ")
}
