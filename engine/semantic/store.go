// Package semantic owns all Qdrant operations and the listing identity
// scheme. It is the only package that writes to or reads from the vector
// index, and the only place deduplication decisions are made: once on insert
// (identity-checked upsert) and once on search (over-fetch plus post-filter,
// because the underlying engine has no distinct-by-payload-field capability).
package semantic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jessicajji/pieza/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

const (
	// VectorSize matches the text embedding provider output dimensionality.
	VectorSize = 1536

	// DefaultOverfetch is the raw-hit multiplier used to compensate for
	// post-search deduplication. Tuned for expected duplicate density.
	DefaultOverfetch = 3

	searchHnswEf = 128
)

// Payload fields that carry the identity key and record id.
const (
	FieldVendor       = "vendor"
	FieldVendorItemID = "vendor_item_id"
	fieldRecordID     = "id"
)

// pointsAPI is the subset of the Qdrant points service the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of the Qdrant collections service the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string

	// Overfetch is the raw-hit multiplier for dedup-aware search.
	Overfetch int

	logger *slog.Logger
	newID  func() string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, logger *slog.Logger) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, logger)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore from pre-built service clients.
// Used by tests to inject mocks.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, logger *slog.Logger) *VectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		Overfetch:   DefaultOverfetch,
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the backing collection if it doesn't exist.
// Idempotent; safe to run on every startup.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("%w: list collections: %v", domain.ErrStore, err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     VectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create collection %s: %v", domain.ErrStore, v.collection, err)
	}
	v.logger.Info("semantic: collection created", "collection", v.collection)
	return nil
}

// CreatePayloadIndex creates a payload-field index used to accelerate the
// identity filters. Search dedup depends on these being scannable at scale.
func (v *VectorStore) CreatePayloadIndex(ctx context.Context, field string, schema pb.FieldType) error {
	_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: v.collection,
		Wait:           proto.Bool(true),
		FieldName:      field,
		FieldType:      &schema,
	})
	if err != nil {
		return fmt.Errorf("%w: create payload index %s: %v", domain.ErrStore, field, err)
	}
	return nil
}

// EnsureIdentityIndexes creates the payload indexes backing the identity
// filters: keyword on vendor, integer on vendor_item_id.
func (v *VectorStore) EnsureIdentityIndexes(ctx context.Context) error {
	if err := v.CreatePayloadIndex(ctx, FieldVendor, pb.FieldType_FieldTypeKeyword); err != nil {
		return err
	}
	return v.CreatePayloadIndex(ctx, FieldVendorItemID, pb.FieldType_FieldTypeInteger)
}

// Exists reports whether a record with the given identity key is stored.
func (v *VectorStore) Exists(ctx context.Context, key IdentityKey) (bool, error) {
	resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: v.collection,
		Filter:         identityFilter(key),
		Limit:          proto.Uint32(1),
	})
	if err != nil {
		return false, fmt.Errorf("%w: identity lookup %s/%d: %v", domain.ErrStore, key.Vendor, key.VendorItemID, err)
	}
	return len(resp.GetResult()) > 0, nil
}

// AddItem stores one listing under its identity key. If a record with the
// same key already exists the call is a silent no-op and returns false: a
// re-ingested listing never updates the stored vector or payload. The image
// vector is accepted from the embedding pipeline but not indexed separately;
// the collection carries a single text vector space.
func (v *VectorStore) AddItem(ctx context.Context, vendor string, item domain.Item, textVector []float32, imageVector []float32) (bool, error) {
	_ = imageVector

	key := KeyFor(vendor, item.VendorItemID)
	exists, err := v.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		v.logger.Debug("semantic: duplicate identity, skipping",
			"vendor", key.Vendor, "vendor_item_id", key.VendorItemID)
		return false, nil
	}

	rec := VectorRecord{
		ID:        v.newID(),
		Key:       key,
		Embedding: textVector,
		Payload:   itemPayload(item),
	}
	rec.Payload[FieldVendor] = key.Vendor
	rec.Payload[FieldVendorItemID] = key.VendorItemID
	rec.Payload[fieldRecordID] = rec.ID

	_, err = v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           proto.Bool(true),
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: rec.Embedding},
				},
			},
			Payload: toPayload(rec.Payload),
		}},
	})
	if err != nil {
		return false, fmt.Errorf("%w: upsert %s/%d: %v", domain.ErrStore, key.Vendor, key.VendorItemID, err)
	}
	return true, nil
}

// Search performs dedup-aware similarity search: it over-fetches limit*Overfetch
// raw hits (score threshold and filters applied at the engine level), then keeps
// the first occurrence per identity key in descending-score order until limit
// results are collected or raw hits run out. Best effort: if dedup consumes
// the over-fetched set, fewer than limit results are returned rather than
// issuing a second round-trip.
func (v *VectorStore) Search(ctx context.Context, queryVector []float32, limit int, minScore float32, filters map[string]string) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	overfetch := v.Overfetch
	if overfetch < 1 {
		overfetch = 1
	}

	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         queryVector,
		Limit:          uint64(limit * overfetch),
		ScoreThreshold: &minScore,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Params: &pb.SearchParams{
			HnswEf: proto.Uint64(searchHnswEf),
			Exact:  proto.Bool(false),
		},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, val := range filters {
			must = append(must, keywordMatch(k, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", domain.ErrStore, err)
	}

	// Qdrant returns hits in descending score order, so keeping the first
	// occurrence per key keeps the highest-scoring one.
	results := make([]SearchResult, 0, len(resp.GetResult()))
	seen := make(map[IdentityKey]struct{})
	for _, hit := range resp.GetResult() {
		sr := resultFromHit(hit)
		key := IdentityKey{Vendor: sr.Vendor, VendorItemID: sr.VendorItemID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		results = append(results, sr)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// DeleteByVendor removes every record whose vendor field matches. A no-op
// when nothing matches. Serves compliance deletion requests.
func (v *VectorStore) DeleteByVendor(ctx context.Context, vendor string) error {
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           proto.Bool(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{keywordMatch(FieldVendor, vendor)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: delete by vendor %s: %v", domain.ErrStore, vendor, err)
	}
	return nil
}

// DeleteItem resolves the record stored under (vendor, rawItemID) and deletes
// it by its internal record id. A no-op with a logged warning if no record
// exists for the key.
func (v *VectorStore) DeleteItem(ctx context.Context, vendor, rawItemID string) error {
	key := KeyFor(vendor, rawItemID)
	resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: v.collection,
		Filter:         identityFilter(key),
		Limit:          proto.Uint32(1),
	})
	if err != nil {
		return fmt.Errorf("%w: identity lookup %s/%d: %v", domain.ErrStore, key.Vendor, key.VendorItemID, err)
	}
	points := resp.GetResult()
	if len(points) == 0 {
		v.logger.Warn("semantic: delete of unknown item",
			"vendor", key.Vendor, "vendor_item_id", key.VendorItemID)
		return nil
	}

	_, err = v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           proto.Bool(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{points[0].GetId()}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: delete item %s/%d: %v", domain.ErrStore, key.Vendor, key.VendorItemID, err)
	}
	return nil
}

// Clear removes all records in the collection. Administrative/test operation.
func (v *VectorStore) Clear(ctx context.Context) error {
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           proto.Bool(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: &pb.Filter{}},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: clear collection %s: %v", domain.ErrStore, v.collection, err)
	}
	return nil
}

// itemPayload flattens a listing into the stored payload. Optional fields are
// included only when present so search payloads stay compact.
func itemPayload(item domain.Item) map[string]any {
	p := map[string]any{
		"title":              item.Title,
		"price":              item.Price,
		"currency":           item.Currency,
		"condition":          item.Condition,
		"location":           item.Location,
		"image_url":          item.ImageURL,
		"item_url":           item.ItemURL,
		"shipping_cost":      item.ShippingCost,
		"seller_rating":      item.SellerRating,
		"vendor_item_id_raw": item.VendorItemID,
	}
	if item.Category != "" {
		p["category"] = item.Category
	}
	if item.Description != "" {
		p["description"] = item.Description
	}
	return p
}

func identityFilter(key IdentityKey) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{
		keywordMatch(FieldVendor, key.Vendor),
		integerMatch(FieldVendorItemID, key.VendorItemID),
	}}
}

func keywordMatch(field, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   field,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func integerMatch(field string, value int64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   field,
				Match: &pb.Match{MatchValue: &pb.Match_Integer{Integer: value}},
			},
		},
	}
}

func resultFromHit(hit *pb.ScoredPoint) SearchResult {
	sr := SearchResult{
		ID:      hit.GetId().GetUuid(),
		Score:   hit.GetScore(),
		Payload: make(map[string]any, len(hit.GetPayload())),
	}
	for k, val := range hit.GetPayload() {
		sr.Payload[k] = fromValue(val)
	}
	if vendor, ok := sr.Payload[FieldVendor].(string); ok {
		sr.Vendor = vendor
	}
	if id, ok := sr.Payload[FieldVendorItemID].(int64); ok {
		sr.VendorItemID = id
	}
	return sr
}

func toPayload(fields map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(fields))
	for k, val := range fields {
		switch tv := val.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return payload
}

func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
