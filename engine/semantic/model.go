package semantic

// IdentityKey uniquely identifies a marketplace listing across re-ingestions.
// At most one stored record may exist per key at any time.
type IdentityKey struct {
	Vendor       string
	VendorItemID int64
}

// VectorRecord is the persisted unit: an opaque generated record id, the
// identity key, the embedding, and the full listing payload. Never mutated in
// place once written.
type VectorRecord struct {
	ID        string
	Key       IdentityKey
	Embedding []float32
	Payload   map[string]any
}

// SearchResult represents a single deduplicated vector search hit.
type SearchResult struct {
	ID           string         `json:"id"`
	Vendor       string         `json:"vendor"`
	VendorItemID int64          `json:"vendor_item_id"`
	Score        float32        `json:"score"`
	Payload      map[string]any `json:"payload"`
}
