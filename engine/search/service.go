// Package search orchestrates the end-to-end pipeline: parse the prompt,
// fetch marketplace candidates, embed and store them, then run the
// dedup-aware vector search.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jessicajji/pieza/engine/domain"
	"github.com/jessicajji/pieza/engine/embed"
	"github.com/jessicajji/pieza/engine/semantic"
	"github.com/jessicajji/pieza/pkg/ebay"
)

const (
	// DefaultResultLimit is how many deduplicated results a query returns.
	DefaultResultLimit = 5

	// DefaultMinScore is the similarity floor below which hits are dropped.
	DefaultMinScore = 0.7

	// DefaultCandidateLimit is how many marketplace candidates one query
	// pulls in for ingestion before searching.
	DefaultCandidateLimit = 50

	// Vendor is the marketplace identifier stored with every listing.
	Vendor = "EBAY"
)

// Parser extracts structured requirements from a free-text prompt.
type Parser interface {
	Parse(ctx context.Context, prompt string) (domain.ParsedQuery, error)
}

// Searcher fetches marketplace candidates.
type Searcher interface {
	Search(ctx context.Context, query string, limit, offset int) (ebay.Page, error)
}

// Embedder is the slice of the embedding pipeline the orchestrator uses.
type Embedder interface {
	EmbedItem(ctx context.Context, item domain.Item) (embed.ItemVectors, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Store is the slice of the vector store the orchestrator uses.
type Store interface {
	AddItem(ctx context.Context, vendor string, item domain.Item, textVector, imageVector []float32) (bool, error)
	Search(ctx context.Context, queryVector []float32, limit int, minScore float32, filters map[string]string) ([]semantic.SearchResult, error)
}

// Response is the API-facing result of one query.
type Response struct {
	Items []domain.Item `json:"items"`
	Total int           `json:"total"`
	Query string        `json:"query"`
}

// Service runs the search pipeline.
type Service struct {
	parser   Parser
	market   Searcher
	embedder Embedder
	store    Store
	logger   *slog.Logger

	ResultLimit    int
	MinScore       float32
	CandidateLimit int
}

// New creates the orchestrator.
func New(parser Parser, market Searcher, embedder Embedder, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		parser:         parser,
		market:         market,
		embedder:       embedder,
		store:          store,
		logger:         logger,
		ResultLimit:    DefaultResultLimit,
		MinScore:       DefaultMinScore,
		CandidateLimit: DefaultCandidateLimit,
	}
}

// Query runs the full pipeline for one prompt.
func (s *Service) Query(ctx context.Context, promptText string) (Response, error) {
	parsed, err := s.parser.Parse(ctx, promptText)
	if err != nil {
		return Response{}, fmt.Errorf("search: parse prompt: %w", err)
	}

	terms := searchTerms(parsed)
	s.logger.Info("search: fetching candidates", "terms", terms)

	page, err := s.market.Search(ctx, terms, s.CandidateLimit, 0)
	if err != nil {
		return Response{}, fmt.Errorf("search: fetch candidates: %w", err)
	}
	if len(page.Items) == 0 {
		return Response{Items: []domain.Item{}, Total: 0, Query: promptText}, nil
	}

	// Ingest candidates. A single bad item never fails the query; it is
	// skipped and logged.
	stored := 0
	for _, item := range page.Items {
		vecs, err := s.embedder.EmbedItem(ctx, item)
		if err != nil {
			s.logger.Warn("search: skipping candidate",
				"vendor_item_id", item.VendorItemID, "error", err)
			continue
		}
		added, err := s.store.AddItem(ctx, Vendor, item, vecs.Text, vecs.Image)
		if err != nil {
			s.logger.Warn("search: store failed for candidate",
				"vendor_item_id", item.VendorItemID, "error", err)
			continue
		}
		if added {
			stored++
		}
	}
	s.logger.Info("search: candidates ingested",
		"fetched", len(page.Items), "stored", stored)

	queryVec, err := s.embedder.EmbedText(ctx, promptText)
	if err != nil {
		return Response{}, fmt.Errorf("search: embed query: %w", err)
	}

	hits, err := s.store.Search(ctx, queryVec, s.ResultLimit, s.MinScore, nil)
	if err != nil {
		return Response{}, fmt.Errorf("search: vector search: %w", err)
	}

	items := make([]domain.Item, 0, len(hits))
	for _, hit := range hits {
		items = append(items, itemFromPayload(hit.Payload))
	}
	return Response{Items: items, Total: len(items), Query: promptText}, nil
}

// searchTerms builds the marketplace keyword query from a parsed prompt:
// style keywords first, category last.
func searchTerms(parsed domain.ParsedQuery) string {
	terms := make([]string, 0, len(parsed.StyleKeywords)+1)
	terms = append(terms, parsed.StyleKeywords...)
	if parsed.Category != "" {
		terms = append(terms, parsed.Category)
	}
	return strings.Join(terms, " ")
}

// itemFromPayload rebuilds a listing from a stored search payload.
func itemFromPayload(payload map[string]any) domain.Item {
	item := domain.Item{
		Title:     str(payload["title"]),
		Currency:  str(payload["currency"]),
		Condition: str(payload["condition"]),
		Location:  str(payload["location"]),
		ImageURL:  str(payload["image_url"]),
		ItemURL:   str(payload["item_url"]),
		Category:  str(payload["category"]),
	}
	item.VendorItemID = str(payload["vendor_item_id_raw"])
	item.Price = num(payload["price"])
	item.ShippingCost = num(payload["shipping_cost"])
	item.SellerRating = num(payload["seller_rating"])
	item.Description = str(payload["description"])
	return item
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
