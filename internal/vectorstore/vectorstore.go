// Package vectorstore is the typed Qdrant client (C5): collection
// lifecycle, point upsert, filtered search/scroll, generalized from the
// single-collection wrapper this module's ingestion code used to hard-code
// one collection per connection. Every operation here takes the collection
// name explicitly, since one connection now serves many collections
// (conv_<h8>_<suffix> per project, narratives_<h12> per project).
package vectorstore

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/selfreflect/engine/internal/domain"
)

// Store is the sole owner of the Qdrant gRPC connection.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// New dials Qdrant at addr (host:port gRPC).
func New(addr string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Point is one vector + payload to upsert.
type Point struct {
	ID      uint64
	Vector  []float32
	Payload map[string]any
}

// Hit is one search result.
type Hit struct {
	ID      uint64
	Score   float32
	Payload map[string]any
}

// CollectionInfo summarizes a collection (§4.5 GetCollection).
type CollectionInfo struct {
	PointsCount uint64
	VectorSize  uint64
	Status      string
}

// Condition is one leaf of the filter grammar (§4.5): either a match
// condition or a range condition over Key, never both.
type Condition struct {
	Key   string
	Match *MatchValue
	Range *RangeValue
}

type MatchValue struct {
	Value any // string | int64 | bool
}

type RangeValue struct {
	Gte, Lte, Gt, Lt *float64
}

// Filter is the must/should/must_not grammar (§4.5).
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// OrderBy sorts Scroll results (§4.5).
type OrderBy struct {
	Key       string
	Direction string // "asc" | "desc"
}

// ChunkPointID derives the deterministic 63-bit point ID for a conversation
// chunk (§3 glossary: "a 63-bit integer derived deterministically from
// (conversation_id, chunk_index) by MD5 truncation"). subIndex distinguishes
// the sub-chunks an oversized chunk is split into (§4.6) — they share one
// chunkIndex, so omitting subIndex would collide their point IDs and each
// Upsert would silently overwrite the previous sub-chunk. Masking off the
// top bit keeps the value representable as a non-negative signed 64-bit int
// in clients that treat point IDs that way.
func ChunkPointID(conversationID string, chunkIndex, subIndex int) uint64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", conversationID, chunkIndex, subIndex)))
	v := binary.BigEndian.Uint64(sum[:8])
	return v &^ (1 << 63)
}

// NarrativePointID derives the deterministic 64-bit point ID for a
// conversation's narrative (§3, §4.8: "64-bit truncation of md5(conversation_id)").
func NarrativePointID(conversationID string) uint64 {
	sum := md5.Sum([]byte(conversationID))
	return binary.BigEndian.Uint64(sum[:8])
}

// EnsureCollection creates name if missing, idempotent.
func (s *Store) EnsureCollection(ctx context.Context, name string, dim int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return classify("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		// Another worker may have created it concurrently; tolerate that race.
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return classify("create collection "+name, err)
	}
	return nil
}

// EnsurePayloadIndex creates a payload index on field, idempotent.
func (s *Store) EnsurePayloadIndex(ctx context.Context, name, field string, schema pb.FieldType) error {
	_, err := s.collections.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      field,
		FieldType:      &schema,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return classify("create field index "+name+"."+field, err)
	}
	return nil
}

// GetCollection returns summary stats for name.
func (s *Store) GetCollection(ctx context.Context, name string) (CollectionInfo, error) {
	resp, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return CollectionInfo{}, classify("get collection "+name, err)
	}
	result := resp.GetResult()
	info := CollectionInfo{
		PointsCount: result.GetPointsCount(),
		Status:      result.GetStatus().String(),
	}
	if cfg := result.GetConfig(); cfg != nil {
		if params := cfg.GetParams(); params != nil {
			if vc := params.GetVectorsConfig(); vc != nil {
				if p := vc.GetParams(); p != nil {
					info.VectorSize = p.GetSize()
				}
			}
		}
	}
	return info, nil
}

// ListCollections returns every collection name known to the store.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, classify("list collections", err)
	}
	out := make([]string, 0, len(list.GetCollections()))
	for _, c := range list.GetCollections() {
		out = append(out, c.GetName())
	}
	return out, nil
}

// Upsert writes points into name. wait=false returns before the write is
// durable; the ingestor uses that to keep batches flowing (§4.6 step 5).
func (s *Store) Upsert(ctx context.Context, name string, points []Point, wait bool) error {
	if len(points) == 0 {
		return nil
	}
	pbPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		pbPoints[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: p.ID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}},
			},
			Payload: toPayload(p.Payload),
		}
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return classify(fmt.Sprintf("upsert %d points into %s", len(points), name), err)
	}
	return nil
}

// Search performs k-NN similarity search with the optional filter grammar.
func (s *Store) Search(ctx context.Context, name string, vector []float32, limit int, filter *Filter, scoreThreshold *float32) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: name,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if filter != nil {
		req.Filter = toProtoFilter(*filter)
	}
	if scoreThreshold != nil {
		req.ScoreThreshold = scoreThreshold
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, classify("search "+name, err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = Hit{
			ID:      r.GetId().GetNum(),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		}
	}
	return hits, nil
}

// ScrollPage is one page of a Scroll call.
type ScrollPage struct {
	Points []Hit
	Cursor uint64
	HasMore bool
}

// Scroll walks points in name matching filter, ordered by orderBy if set.
func (s *Store) Scroll(ctx context.Context, name string, filter *Filter, orderBy *OrderBy, limit int, offset uint64, hasOffset bool) (ScrollPage, error) {
	req := &pb.ScrollPoints{
		CollectionName: name,
		Limit:          ptrUint32(uint32(limit)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if filter != nil {
		req.Filter = toProtoFilter(*filter)
	}
	if orderBy != nil {
		dir := pb.Direction_Asc
		if orderBy.Direction == "desc" {
			dir = pb.Direction_Desc
		}
		req.OrderBy = &pb.OrderBy{Key: orderBy.Key, Direction: &dir}
	}
	if hasOffset {
		req.Offset = &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: offset}}
	}

	resp, err := s.points.Scroll(ctx, req)
	if err != nil {
		return ScrollPage{}, classify("scroll "+name, err)
	}

	page := ScrollPage{Points: make([]Hit, len(resp.GetResult()))}
	for i, r := range resp.GetResult() {
		page.Points[i] = Hit{ID: r.GetId().GetNum(), Payload: fromPayload(r.GetPayload())}
	}
	if next := resp.GetNextPageOffset(); next != nil {
		page.Cursor = next.GetNum()
		page.HasMore = true
	}
	return page, nil
}

func ptrUint32(v uint32) *uint32 { return &v }

func toProtoFilter(f Filter) *pb.Filter {
	conv := func(conds []Condition) []*pb.Condition {
		out := make([]*pb.Condition, 0, len(conds))
		for _, c := range conds {
			out = append(out, toProtoCondition(c))
		}
		return out
	}
	return &pb.Filter{
		Must:    conv(f.Must),
		Should:  conv(f.Should),
		MustNot: conv(f.MustNot),
	}
}

func toProtoCondition(c Condition) *pb.Condition {
	fc := &pb.FieldCondition{Key: c.Key}
	if c.Match != nil {
		switch v := c.Match.Value.(type) {
		case string:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}}
		case int64:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: v}}
		case int:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(v)}}
		case bool:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: v}}
		default:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: fmt.Sprint(v)}}
		}
	}
	if c.Range != nil {
		fc.Range = &pb.Range{Gte: c.Range.Gte, Lte: c.Range.Lte, Gt: c.Range.Gt, Lt: c.Range.Lt}
	}
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: fc}}
}

func toPayload(m map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, val := range m {
		out[k] = toValue(val)
	}
	return out
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case []string:
		values := make([]*pb.Value, len(tv))
		for i, s := range tv {
			values[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromPayload(p map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = fromValue(v)
	}
	return out
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
	case *pb.Value_ListValue:
		out := make([]any, len(kind.ListValue.GetValues()))
		for i, lv := range kind.ListValue.GetValues() {
			out[i] = fromValue(lv)
		}
		return out
	default:
		return nil
	}
}

// classify maps a gRPC error onto the store error taxonomy (§4.5):
// StoreTransient (connection/timeout/5xx-equivalent), StoreBadRequest
// (4xx-equivalent), StoreNotFound (404-equivalent).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return domain.Wrap("vectorstore."+op, "", domain.ErrStoreNotFound)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.AlreadyExists:
		return domain.Wrap("vectorstore."+op, "", domain.ErrStoreBadRequest)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal, codes.Unknown:
		return domain.Wrap("vectorstore."+op, "", domain.ErrStoreTransient)
	default:
		return domain.Wrap("vectorstore."+op, "", domain.ErrStoreTransient)
	}
}
