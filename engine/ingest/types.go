package ingest

import (
	"github.com/jessicajji/pieza/engine/domain"
	"github.com/jessicajji/pieza/engine/embed"
)

// Job describes one bulk import unit: a keyword or category page of
// marketplace listings. When CategoryID is set it takes precedence over
// Keyword.
type Job struct {
	Keyword    string `json:"keyword,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

// FetchedBatch carries the listings fetched for a job.
type FetchedBatch struct {
	Job   Job
	Items []domain.Item

	// Fetched is the pre-filter item count, kept for the final report.
	Fetched int
}

// EmbeddedBatch pairs each surviving listing with its vectors, aligned by
// index.
type EmbeddedBatch struct {
	FetchedBatch
	Vectors []embed.ItemVectors
}

// Report summarizes one completed job.
type Report struct {
	Job      Job `json:"job"`
	Fetched  int `json:"fetched"`
	Filtered int `json:"filtered"`
	Stored   int `json:"stored"`
	Skipped  int `json:"skipped"`
}
