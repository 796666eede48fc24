package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/jessicajji/pieza/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// --- Mocks ---

type mockPoints struct {
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	deleteResp *pb.PointsOperationResponse
	deleteErr  error
	searchResp *pb.SearchResponse
	searchErr  error
	scrollResp *pb.ScrollResponse
	scrollErr  error
	indexErr   error

	upserts []*pb.UpsertPoints
	deletes []*pb.DeletePoints
	scrolls []*pb.ScrollPoints
	search  []*pb.SearchPoints
	indexes []*pb.CreateFieldIndexCollection
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserts = append(m.upserts, in)
	return m.upsertResp, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deletes = append(m.deletes, in)
	return m.deleteResp, m.deleteErr
}
func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.search = append(m.search, in)
	return m.searchResp, m.searchErr
}
func (m *mockPoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	m.scrolls = append(m.scrolls, in)
	return m.scrollResp, m.scrollErr
}
func (m *mockPoints) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.indexes = append(m.indexes, in)
	return &pb.PointsOperationResponse{}, m.indexErr
}

type mockCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	createResp *pb.CollectionOperationResponse
	createErr  error
	creates    int
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.creates++
	return m.createResp, m.createErr
}

func testItem(id string) domain.Item {
	return domain.Item{
		VendorItemID: id,
		Title:        "Mid-Century Modern Walnut Coffee Table",
		Price:        249.99,
		Currency:     "USD",
		Condition:    "Used - Good",
		Location:     "Austin, TX, US",
		ImageURL:     "https://i.example.net/00/s/a.jpg",
		ItemURL:      "https://www.example.com/itm/" + id,
		SellerRating: 99.1,
	}
}

func emptyScroll() *pb.ScrollResponse { return &pb.ScrollResponse{} }

func scrollWithPoint(uuid string) *pb.ScrollResponse {
	return &pb.ScrollResponse{Result: []*pb.RetrievedPoint{{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid}},
	}}}
}

func scoredHit(uuid, vendor string, itemID int64, score float32) *pb.ScoredPoint {
	return &pb.ScoredPoint{
		Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid}},
		Score: score,
		Payload: map[string]*pb.Value{
			FieldVendor:       {Kind: &pb.Value_StringValue{StringValue: vendor}},
			FieldVendorItemID: {Kind: &pb.Value_IntegerValue{IntegerValue: itemID}},
			"title":           {Kind: &pb.Value_StringValue{StringValue: "hit"}},
		},
	}
}

// --- Tests ---

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "furniture_items"}},
		},
	}
	vs := NewWithClients(&mockPoints{}, cols, "furniture_items", nil)
	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.creates != 0 {
		t.Fatal("existing collection must not be recreated")
	}
}

func TestEnsureCollection_Creates(t *testing.T) {
	cols := &mockCollections{
		listResp:   &pb.ListCollectionsResponse{},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vs := NewWithClients(&mockPoints{}, cols, "furniture_items", nil)
	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.creates != 1 {
		t.Fatalf("expected one create, got %d", cols.creates)
	}
}

func TestEnsureCollection_ListError(t *testing.T) {
	cols := &mockCollections{listErr: errors.New("rpc fail")}
	vs := NewWithClients(&mockPoints{}, cols, "furniture_items", nil)
	if err := vs.EnsureCollection(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnsureIdentityIndexes(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)
	if err := vs.EnsureIdentityIndexes(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts.indexes) != 2 {
		t.Fatalf("expected 2 index requests, got %d", len(pts.indexes))
	}
	if pts.indexes[0].GetFieldName() != FieldVendor || pts.indexes[0].GetFieldType() != pb.FieldType_FieldTypeKeyword {
		t.Fatalf("vendor index wrong: %v", pts.indexes[0])
	}
	if pts.indexes[1].GetFieldName() != FieldVendorItemID || pts.indexes[1].GetFieldType() != pb.FieldType_FieldTypeInteger {
		t.Fatalf("vendor_item_id index wrong: %v", pts.indexes[1])
	}
}

func TestAddItem_FirstSeenInserts(t *testing.T) {
	pts := &mockPoints{scrollResp: emptyScroll(), upsertResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)
	vs.newID = func() string { return "rec-1" }

	added, err := vs.AddItem(context.Background(), "EBAY", testItem("12345"), []float32{0.1, 0.2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !added {
		t.Fatal("first insert should report added")
	}
	if len(pts.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(pts.upserts))
	}

	point := pts.upserts[0].GetPoints()[0]
	if point.GetId().GetUuid() != "rec-1" {
		t.Fatalf("record id must be the generated opaque id, got %s", point.GetId().GetUuid())
	}
	payload := point.GetPayload()
	if payload[FieldVendor].GetStringValue() != "EBAY" {
		t.Fatal("payload must carry vendor")
	}
	if payload[FieldVendorItemID].GetIntegerValue() != 12345 {
		t.Fatal("payload must carry derived vendor_item_id")
	}
	if payload["id"].GetStringValue() != "rec-1" {
		t.Fatal("payload must carry the record id")
	}
	if payload["title"].GetStringValue() == "" {
		t.Fatal("payload must carry item fields")
	}
}

func TestAddItem_DuplicateSkipsSilently(t *testing.T) {
	pts := &mockPoints{scrollResp: scrollWithPoint("rec-existing")}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	added, err := vs.AddItem(context.Background(), "EBAY", testItem("12345"), []float32{0.9}, nil)
	if err != nil {
		t.Fatalf("duplicate must not error: %v", err)
	}
	if added {
		t.Fatal("duplicate must not report added")
	}
	if len(pts.upserts) != 0 {
		t.Fatal("duplicate must not write")
	}
}

func TestAddItem_LookupError(t *testing.T) {
	pts := &mockPoints{scrollErr: errors.New("qdrant unreachable")}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)
	_, err := vs.AddItem(context.Background(), "EBAY", testItem("123"), []float32{0.1}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("store failure must carry domain.ErrStore, got %v", err)
	}
}

func TestAddItem_UpsertErrorCarriesSentinel(t *testing.T) {
	pts := &mockPoints{scrollResp: emptyScroll(), upsertErr: errors.New("write refused")}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)
	_, err := vs.AddItem(context.Background(), "EBAY", testItem("123"), []float32{0.1}, nil)
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("store failure must carry domain.ErrStore, got %v", err)
	}
}

func TestSearch_OverfetchesAndDeduplicates(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		scoredHit("a", "EBAY", 1, 0.95),
		scoredHit("b", "EBAY", 1, 0.90), // duplicate identity, lower score
		scoredHit("c", "EBAY", 2, 0.85),
		scoredHit("d", "ETSY", 1, 0.80), // same item id, different vendor: distinct
	}}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	results, err := vs.Search(context.Background(), []float32{0.1}, 10, 0.7, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 deduplicated results, got %d", len(results))
	}
	if results[0].ID != "a" || results[0].Score != 0.95 {
		t.Fatalf("highest-scoring duplicate must win, got %+v", results[0])
	}
	for _, r := range results {
		if r.ID == "b" {
			t.Fatal("lower-scoring duplicate leaked through")
		}
	}

	req := pts.search[0]
	if req.GetLimit() != 30 {
		t.Fatalf("expected limit*3 over-fetch, got %d", req.GetLimit())
	}
	if req.GetScoreThreshold() != 0.7 {
		t.Fatalf("score threshold must pass through, got %v", req.GetScoreThreshold())
	}
}

func TestSearch_StopsAtLimit(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		scoredHit("a", "EBAY", 1, 0.9),
		scoredHit("b", "EBAY", 2, 0.8),
		scoredHit("c", "EBAY", 3, 0.7),
	}}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	results, err := vs.Search(context.Background(), []float32{0.1}, 2, 0.5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected limit results, got %d", len(results))
	}
}

func TestSearch_BestEffortUnderReturn(t *testing.T) {
	// All over-fetched hits share one identity: dedup yields a single
	// result and no second round-trip is issued.
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		scoredHit("a", "EBAY", 1, 0.9),
		scoredHit("b", "EBAY", 1, 0.8),
		scoredHit("c", "EBAY", 1, 0.7),
	}}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	results, err := vs.Search(context.Background(), []float32{0.1}, 3, 0.5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected best-effort single result, got %d", len(results))
	}
	if len(pts.search) != 1 {
		t.Fatal("no re-fetch round-trips expected")
	}
}

func TestSearch_FilterApplied(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	_, err := vs.Search(context.Background(), []float32{0.1}, 5, 0.7, map[string]string{FieldVendor: "EBAY"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.search[0].GetFilter() == nil || len(pts.search[0].GetFilter().GetMust()) != 1 {
		t.Fatal("expected engine-level filter")
	}
}

func TestSearch_Error(t *testing.T) {
	pts := &mockPoints{searchErr: errors.New("unavailable")}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)
	_, err := vs.Search(context.Background(), []float32{0.1}, 5, 0.7, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("search failure must carry domain.ErrStore, got %v", err)
	}
}

func TestDeleteByVendor(t *testing.T) {
	pts := &mockPoints{deleteResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	if err := vs.DeleteByVendor(context.Background(), "someuser"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sel := pts.deletes[0].GetPoints().GetFilter()
	if sel == nil || len(sel.GetMust()) != 1 {
		t.Fatal("expected a vendor filter delete")
	}
}

func TestDeleteItem_Found(t *testing.T) {
	pts := &mockPoints{
		scrollResp: scrollWithPoint("rec-9"),
		deleteResp: &pb.PointsOperationResponse{},
	}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	if err := vs.DeleteItem(context.Background(), "EBAY", "12345"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := pts.deletes[0].GetPoints().GetPoints().GetIds()
	if len(ids) != 1 || ids[0].GetUuid() != "rec-9" {
		t.Fatalf("expected delete by resolved record id, got %v", ids)
	}
}

func TestDeleteItem_NotFoundIsNoop(t *testing.T) {
	pts := &mockPoints{scrollResp: emptyScroll()}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	if err := vs.DeleteItem(context.Background(), "EBAY", "404404"); err != nil {
		t.Fatalf("missing item must be a no-op, got %v", err)
	}
	if len(pts.deletes) != 0 {
		t.Fatal("no delete expected for unknown identity")
	}
}

func TestClear(t *testing.T) {
	pts := &mockPoints{deleteResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)
	if err := vs.Clear(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.deletes[0].GetPoints().GetFilter() == nil {
		t.Fatal("clear should delete by empty filter")
	}
}

func TestClose_NilConn(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "furniture_items", nil)
	if err := vs.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// statefulPoints answers Scroll and Search from the set of points it has
// accepted via Upsert, so add-then-search compositions run against
// accumulated state instead of canned responses.
type statefulPoints struct {
	points []*pb.PointStruct
}

func (s *statefulPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	s.points = append(s.points, in.GetPoints()...)
	return &pb.PointsOperationResponse{}, nil
}

func (s *statefulPoints) Delete(context.Context, *pb.DeletePoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return &pb.PointsOperationResponse{}, nil
}

func (s *statefulPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	resp := &pb.SearchResponse{}
	for i, p := range s.points {
		if uint64(len(resp.Result)) >= in.GetLimit() {
			break
		}
		resp.Result = append(resp.Result, &pb.ScoredPoint{
			Id:      p.GetId(),
			Score:   0.99 - float32(i)*0.01,
			Payload: p.GetPayload(),
		})
	}
	return resp, nil
}

func (s *statefulPoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	resp := &pb.ScrollResponse{}
	for _, p := range s.points {
		if matchesIdentity(p.GetPayload(), in.GetFilter()) {
			resp.Result = append(resp.Result, &pb.RetrievedPoint{Id: p.GetId(), Payload: p.GetPayload()})
		}
	}
	return resp, nil
}

func (s *statefulPoints) CreateFieldIndex(context.Context, *pb.CreateFieldIndexCollection, ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return &pb.PointsOperationResponse{}, nil
}

func matchesIdentity(payload map[string]*pb.Value, filter *pb.Filter) bool {
	for _, cond := range filter.GetMust() {
		field := cond.GetField()
		val, ok := payload[field.GetKey()]
		if !ok {
			return false
		}
		if kw := field.GetMatch().GetKeyword(); kw != "" && val.GetStringValue() != kw {
			return false
		}
		if field.GetMatch().GetInteger() != 0 && val.GetIntegerValue() != field.GetMatch().GetInteger() {
			return false
		}
	}
	return true
}

func TestStore_IngestThenSearch_OneRecordPerIdentity(t *testing.T) {
	pts := &statefulPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "furniture_items", nil)

	// Five listings, the first and last sharing one identity key.
	ids := []string{"101", "102", "103", "104", "101"}
	stored := 0
	for _, id := range ids {
		added, err := vs.AddItem(context.Background(), "EBAY", testItem(id), []float32{0.1}, nil)
		if err != nil {
			t.Fatalf("AddItem(%s): %v", id, err)
		}
		if added {
			stored++
		}
	}
	if stored != 4 {
		t.Fatalf("expected 4 stored records, got %d", stored)
	}
	if len(pts.points) != 4 {
		t.Fatalf("expected 4 points written, got %d", len(pts.points))
	}

	results, err := vs.Search(context.Background(), []float32{0.1}, 10, 0.0, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) > 4 {
		t.Fatalf("search over 4 identities returned %d results", len(results))
	}
	seen := make(map[IdentityKey]struct{})
	for _, r := range results {
		key := IdentityKey{Vendor: r.Vendor, VendorItemID: r.VendorItemID}
		if _, dup := seen[key]; dup {
			t.Fatalf("identity %s/%d repeated in results", r.Vendor, r.VendorItemID)
		}
		seen[key] = struct{}{}
	}
	if len(results) != 4 {
		t.Fatalf("expected all 4 identities returned, got %d", len(results))
	}
}
