package ebay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/jessicajji/pieza/engine/domain"
)

const (
	browsePath = "/buy/browse/v1/item_summary/search"

	// maxPageSize is the Browse API's hard per-request ceiling.
	maxPageSize = 200

	marketplaceID = "EBAY-US"
)

func baseURL(env domain.Environment) string {
	if env == domain.EnvProduction {
		return "https://api.ebay.com"
	}
	return "https://api.sandbox.ebay.com"
}

// Page is one page of transformed search results. Total is the marketplace's
// reported match count, which can exceed len(Items).
type Page struct {
	Items []domain.Item
	Total int
}

// Client calls the eBay Browse API. Requests are paced by a token-bucket
// limiter so bulk imports stay under the application's rate allowance.
type Client struct {
	env    domain.Environment
	tokens *TokenCache

	// BaseURL and HTTPClient are replaceable in tests.
	BaseURL    string
	HTTPClient *http.Client

	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Browse API client for env backed by tokens.
func NewClient(env domain.Environment, tokens *TokenCache, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		env:        env,
		tokens:     tokens,
		BaseURL:    baseURL(env),
		HTTPClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		logger:     logger,
	}
}

// Search searches listings by keyword.
func (c *Client) Search(ctx context.Context, query string, limit, offset int) (Page, error) {
	params := url.Values{}
	params.Set("q", query)
	return c.search(ctx, params, limit, offset)
}

// SearchByCategory searches listings within a marketplace category.
func (c *Client) SearchByCategory(ctx context.Context, categoryID string, limit, offset int) (Page, error) {
	params := url.Values{}
	params.Set("category_ids", categoryID)
	return c.search(ctx, params, limit, offset)
}

func (c *Client) search(ctx context.Context, params url.Values, limit, offset int) (Page, error) {
	if limit > maxPageSize {
		limit = maxPageSize
	}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}

	token, err := c.tokens.Token(ctx, c.env)
	if err != nil {
		return Page{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+browsePath+"?"+params.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("ebay: build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", marketplaceID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("ebay: search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return Page{}, fmt.Errorf("ebay: search: status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Page{}, fmt.Errorf("ebay: decode search response: %w", err)
	}

	items := make([]domain.Item, 0, len(body.ItemSummaries))
	for _, s := range body.ItemSummaries {
		item, err := transformSummary(s)
		if err != nil {
			c.logger.Warn("ebay: skipping malformed summary",
				"item_id", s.ItemID, "error", err)
			continue
		}
		items = append(items, item)
	}
	return Page{Items: items, Total: body.Total}, nil
}

// Wire types for the Browse API response.

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (m money) amount() float64 {
	if m.Value == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m.Value, 64)
	if err != nil {
		return 0
	}
	return v
}

type itemSummary struct {
	ItemID          string `json:"itemId"`
	Title           string `json:"title"`
	Price           money  `json:"price"`
	Condition       string `json:"condition"`
	ItemWebURL      string `json:"itemWebUrl"`
	Image           struct {
		ImageURL string `json:"imageUrl"`
	} `json:"image"`
	Location struct {
		City            string `json:"city"`
		StateOrProvince string `json:"stateOrProvince"`
		Country         string `json:"country"`
	} `json:"location"`
	ShippingOptions []struct {
		ShippingCost money `json:"shippingCost"`
	} `json:"shippingOptions"`
	Seller struct {
		FeedbackPercentage string `json:"feedbackPercentage"`
	} `json:"seller"`
	Categories []struct {
		CategoryName string `json:"categoryName"`
	} `json:"categories"`
}

type searchResponse struct {
	ItemSummaries []itemSummary `json:"itemSummaries"`
	Total         int           `json:"total"`
}

// transformSummary maps one marketplace summary to a listing. An item id and
// title are required; everything else degrades to a zero or "Unknown" value.
func transformSummary(s itemSummary) (domain.Item, error) {
	if s.ItemID == "" {
		return domain.Item{}, fmt.Errorf("%w: missing item id", domain.ErrTransform)
	}
	if s.Title == "" {
		return domain.Item{}, domain.NewItemError(s.ItemID, "transform",
			fmt.Errorf("%w: missing title", domain.ErrTransform))
	}

	condition := s.Condition
	if condition == "" {
		condition = "Unknown"
	}

	var locationParts []string
	for _, p := range []string{s.Location.City, s.Location.StateOrProvince, s.Location.Country} {
		if p != "" {
			locationParts = append(locationParts, p)
		}
	}
	location := "Unknown"
	if len(locationParts) > 0 {
		location = strings.Join(locationParts, ", ")
	}

	var shipping float64
	if len(s.ShippingOptions) > 0 {
		shipping = s.ShippingOptions[0].ShippingCost.amount()
	}

	var sellerRating float64
	if s.Seller.FeedbackPercentage != "" {
		sellerRating, _ = strconv.ParseFloat(s.Seller.FeedbackPercentage, 64)
	}

	currency := s.Price.Currency
	if currency == "" {
		currency = "USD"
	}

	var category string
	if len(s.Categories) > 0 {
		category = s.Categories[0].CategoryName
	}

	return domain.Item{
		VendorItemID: s.ItemID,
		Title:        s.Title,
		Price:        s.Price.amount(),
		Currency:     currency,
		Condition:    condition,
		Location:     location,
		ImageURL:     s.Image.ImageURL,
		ItemURL:      s.ItemWebURL,
		ShippingCost: shipping,
		SellerRating: sellerRating,
		Category:     category,
	}, nil
}
