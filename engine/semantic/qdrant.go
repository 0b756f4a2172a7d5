package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/docchat/engine/domain"
)

const scrollPage = 256

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant is the sole owner of all Qdrant operations.
//
// Upsert writes every chunk under its deterministic point id and then removes
// the stale tail left by a longer previous version. Qdrant only guarantees
// per-point atomicity, so Query and ListMetadata keep only the newest
// ingested_at of each document they return.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int
}

var _ Store = (*Qdrant)(nil)

// NewQdrant creates a store connected to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string, dims int) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	q := NewQdrantWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims)
	q.conn = conn
	return q, nil
}

// NewQdrantWithClients builds a store over existing clients.
func NewQdrantWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int) *Qdrant {
	return &Qdrant{points: points, collections: collections, collection: collection, dims: dims}
}

// Close closes the underlying gRPC connection, if the store owns one.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	if q.dims <= 0 {
		return domain.NewConfigError("embedding_dims", fmt.Errorf("%w: %d", domain.ErrDimensionMismatch, q.dims))
	}
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	return nil
}

// DeleteCollection drops the collection.
func (q *Qdrant) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, docID string, chunks []EmbeddedChunk) (int, error) {
	if err := checkUpsert(docID, chunks, q.dims); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, q.Delete(ctx, docID)
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: c.Chunk.ID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: c.Vector}},
			},
			Payload: toValues(payload(c.Chunk)),
		}
	}

	wait := true
	if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return 0, fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}

	tail := float64(len(chunks))
	if err := q.deleteWhere(ctx, &pb.Filter{Must: []*pb.Condition{
		fieldMatch("doc_id", docID),
		fieldRange("chunk_index", &pb.Range{Gte: &tail}),
	}}); err != nil {
		return 0, fmt.Errorf("semantic: trim stale chunks of %s: %w", docID, err)
	}
	return len(chunks), nil
}

func (q *Qdrant) Delete(ctx context.Context, docID string) error {
	if err := q.deleteWhere(ctx, &pb.Filter{Must: []*pb.Condition{fieldMatch("doc_id", docID)}}); err != nil {
		return fmt.Errorf("semantic: delete by doc_id %s: %w", docID, err)
	}
	return nil
}

func (q *Qdrant) deleteWhere(ctx context.Context, f *pb.Filter) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: f},
		},
	})
	return err
}

func (q *Qdrant) Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error) {
	if err := domain.ValidateTopK(topK); err != nil {
		return nil, err
	}
	if err := checkDims(len(vec), q.dims); err != nil {
		return nil, err
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		Filter:         toFilter(f),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	matches := make([]Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		matches[i] = Match{
			Chunk: chunkFromPayload(r.GetId().GetUuid(), fromValues(r.GetPayload())),
			Score: float64(r.GetScore()),
		}
	}
	matches = latestMatches(matches)
	SortMatches(matches)
	return matches, nil
}

func (q *Qdrant) ListMetadata(ctx context.Context, f Filter) ([]domain.ChunkMeta, error) {
	var (
		metas  []domain.ChunkMeta
		offset *pb.PointId
		limit  = uint32(scrollPage)
	)
	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Filter:         toFilter(f),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			metas = append(metas, chunkFromPayload(p.GetId().GetUuid(), fromValues(p.GetPayload())).Meta)
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			break
		}
	}
	metas = latestMetas(metas)
	sortMetas(metas)
	return paginate(metas, f.Offset, f.Limit), nil
}

func toFilter(f Filter) *pb.Filter {
	var must []*pb.Condition
	if f.Category != "" {
		must = append(must, fieldMatch("category", string(f.Category)))
	}
	if f.SourceFile != "" {
		must = append(must, fieldMatch("source_file", f.SourceFile))
	}
	if f.DocID != "" {
		must = append(must, fieldMatch("doc_id", f.DocID))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func toValues(p map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(p))
	for k, val := range p {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

func fromValues(p map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		switch kind := v.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = fmt.Sprint(kind.BoolValue)
		}
	}
	return out
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func fieldRange(key string, r *pb.Range) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: key, Range: r},
		},
	}
}
