// Package domain defines core domain types, constants, and validation for the
// Pieza ingestion and search pipeline. It acts as the validation gate at
// pipeline entry points.
package domain

// Item represents a marketplace listing fetched from a vendor.
// Immutable once fetched; owned by the caller for the duration of one
// ingestion pass.
type Item struct {
	VendorItemID string  `json:"vendor_item_id"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	Currency     string  `json:"currency"`
	Condition    string  `json:"condition"`
	Location     string  `json:"location"`
	ImageURL     string  `json:"image_url"`
	ItemURL      string  `json:"item_url"`
	ShippingCost float64 `json:"shipping_cost,omitempty"`
	SellerRating float64 `json:"seller_rating"`
	Category     string  `json:"category,omitempty"`
	Description  string  `json:"description,omitempty"`
}

// Dimensions holds optional physical dimensions parsed from a prompt, in inches.
type Dimensions struct {
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Depth  float64 `json:"depth,omitempty"`
}

// ParsedQuery is the structured form of a free-text search prompt.
type ParsedQuery struct {
	Category         string      `json:"category"`
	Dimensions       *Dimensions `json:"dimensions,omitempty"`
	Materials        []string    `json:"materials,omitempty"`
	StyleKeywords    []string    `json:"style_keywords,omitempty"`
	HardRequirements []string    `json:"hard_requirements,omitempty"`
}

// Environment selects which marketplace credentials and endpoints are used.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// ValidEnvironments is the set of recognised marketplace environments.
var ValidEnvironments = map[Environment]bool{
	EnvSandbox:    true,
	EnvProduction: true,
}
