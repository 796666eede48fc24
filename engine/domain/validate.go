package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Quality gate thresholds for bulk ingestion. Interactive search ingests
// whatever the marketplace returns; the bulk importer filters junk up front.
const (
	MinTitleLength  = 10
	MinSellerRating = 90.0
)

var (
	ErrEmptyTitle      = errors.New("empty title")
	ErrTitleTooShort   = errors.New("title too short")
	ErrInvalidPrice    = errors.New("non-positive price")
	ErrLowSellerRating = errors.New("seller rating below threshold")
	ErrMissingItemID   = errors.New("missing vendor item id")
)

// ValidateItem applies the bulk-ingestion quality gate to a fetched listing.
func ValidateItem(it Item) error {
	if strings.TrimSpace(it.VendorItemID) == "" {
		return ErrMissingItemID
	}
	title := strings.TrimSpace(it.Title)
	if title == "" {
		return ErrEmptyTitle
	}
	if len(title) < MinTitleLength {
		return fmt.Errorf("%w: %q", ErrTitleTooShort, title)
	}
	if it.Price <= 0 {
		return fmt.Errorf("%w: %.2f", ErrInvalidPrice, it.Price)
	}
	if it.SellerRating < MinSellerRating {
		return fmt.Errorf("%w: %.1f", ErrLowSellerRating, it.SellerRating)
	}
	return nil
}
