package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline error taxonomy. Callers use errors.Is to
// decide propagation policy at each boundary.
var (
	// ErrAuth marks a failed or misconfigured credential exchange. Fatal to
	// any call needing a token; never retried automatically.
	ErrAuth = errors.New("auth failure")

	// ErrMissingCredentials marks absent client id/secret configuration.
	ErrMissingCredentials = errors.New("missing marketplace credentials")

	// ErrEmbedding marks an embedding provider or image-fetch failure.
	// Isolated per item or batch; degrades rather than aborting a run.
	ErrEmbedding = errors.New("embedding failure")

	// ErrStore marks a vector index engine failure. Propagated to the caller
	// of the single store operation that hit it.
	ErrStore = errors.New("vector store failure")

	// ErrTransform marks a marketplace record that could not be mapped into
	// Item. Skipped and logged; the pipeline continues.
	ErrTransform = errors.New("item transform failure")
)

// ItemError wraps a sentinel with the identity and stage of the item that
// failed, so skipped items can be diagnosed offline.
type ItemError struct {
	VendorItemID string
	Stage        string
	Wrapped      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %s: %v", e.VendorItemID, e.Stage, e.Wrapped)
}

func (e *ItemError) Unwrap() error { return e.Wrapped }

// NewItemError creates an ItemError.
func NewItemError(vendorItemID, stage string, wrapped error) *ItemError {
	return &ItemError{VendorItemID: vendorItemID, Stage: stage, Wrapped: wrapped}
}
