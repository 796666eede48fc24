package ebay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jessicajji/pieza/engine/domain"
)

const searchFixture = `{
	"total": 3,
	"itemSummaries": [
		{
			"itemId": "v1|110001|0",
			"title": "Vintage walnut credenza mid-century",
			"price": {"value": "425.00", "currency": "USD"},
			"condition": "Used",
			"itemWebUrl": "https://www.sandbox.ebay.com/itm/110001",
			"image": {"imageUrl": "https://i.ebayimg.com/00/s/110001.jpg"},
			"location": {"city": "Denver", "stateOrProvince": "CO", "country": "US"},
			"shippingOptions": [{"shippingCost": {"value": "75.00", "currency": "USD"}}],
			"seller": {"feedbackPercentage": "99.6"},
			"categories": [{"categoryName": "Credenzas"}]
		},
		{
			"itemId": "",
			"title": "malformed, no item id",
			"price": {"value": "10.00", "currency": "USD"}
		},
		{
			"itemId": "v1|110003|0",
			"title": "Oak bookshelf, five shelves",
			"price": {"value": "80.50", "currency": "USD"},
			"condition": "",
			"location": {},
			"seller": {"feedbackPercentage": "97.2"}
		}
	]
}`

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := NewTokenCache(testCreds(), nil)
	tokens.exchange = func(context.Context, domain.Environment) (string, time.Time, error) {
		return "test-token", time.Now().Add(2 * time.Hour), nil
	}

	c := NewClient(domain.EnvSandbox, tokens, nil)
	c.BaseURL = srv.URL
	return c
}

func TestSearch_TransformsAndSkipsMalformed(t *testing.T) {
	var gotReq *http.Request
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		w.Write([]byte(searchFixture))
	})

	page, err := c.Search(context.Background(), "walnut credenza", 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("malformed summary must be skipped, got %d items", len(page.Items))
	}
	if page.Total != 3 {
		t.Fatalf("total must be the marketplace count, got %d", page.Total)
	}

	first := page.Items[0]
	if first.VendorItemID != "v1|110001|0" {
		t.Fatalf("item id = %q", first.VendorItemID)
	}
	if first.Price != 425.00 || first.ShippingCost != 75.00 {
		t.Fatalf("money values wrong: %+v", first)
	}
	if first.Location != "Denver, CO, US" {
		t.Fatalf("location = %q", first.Location)
	}
	if first.SellerRating != 99.6 {
		t.Fatalf("seller rating = %v", first.SellerRating)
	}
	if first.Category != "Credenzas" {
		t.Fatalf("category = %q", first.Category)
	}

	second := page.Items[1]
	if second.Condition != "Unknown" || second.Location != "Unknown" {
		t.Fatalf("missing fields must degrade to Unknown: %+v", second)
	}

	if got := gotReq.Header.Get("Authorization"); got != "Bearer test-token" {
		t.Fatalf("authorization header = %q", got)
	}
	if got := gotReq.Header.Get("X-EBAY-C-MARKETPLACE-ID"); got != marketplaceID {
		t.Fatalf("marketplace header = %q", got)
	}
	q := gotReq.URL.Query()
	if q.Get("q") != "walnut credenza" || q.Get("limit") != "50" || q.Get("offset") != "0" {
		t.Fatalf("query params = %v", q)
	}
}

func TestSearch_CapsLimit(t *testing.T) {
	var gotLimit string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`{"total": 0, "itemSummaries": []}`))
	})

	if _, err := c.Search(context.Background(), "sofa", 500, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLimit != "200" {
		t.Fatalf("limit must be capped at 200, got %s", gotLimit)
	}
}

func TestSearchByCategory(t *testing.T) {
	var gotCategory string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCategory = r.URL.Query().Get("category_ids")
		w.Write([]byte(`{"total": 0, "itemSummaries": []}`))
	})

	if _, err := c.SearchByCategory(context.Background(), "38208", 25, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotCategory != "38208" {
		t.Fatalf("category_ids = %q", gotCategory)
	}
}

func TestSearch_BadStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := c.Search(context.Background(), "chair", 10, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearch_AuthFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"total": 0}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(domain.EnvSandbox, NewTokenCache(nil, nil), nil)
	c.BaseURL = srv.URL
	if _, err := c.Search(context.Background(), "chair", 10, 0); err == nil {
		t.Fatal("expected auth error")
	}
}

func TestTransformSummary_MissingTitle(t *testing.T) {
	_, err := transformSummary(itemSummary{ItemID: "v1|1|0"})
	if err == nil {
		t.Fatal("expected transform error")
	}
	var itemErr *domain.ItemError
	if !errors.As(err, &itemErr) {
		t.Fatalf("expected ItemError, got %T", err)
	}
}
