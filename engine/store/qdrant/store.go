// Package qdrant keeps documents and chunk vectors in two Qdrant collections
// over gRPC. Document records live in "<name>_documents" as points with a
// placeholder vector; chunks live in "<name>_chunks".
package qdrant

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/store"
)

const (
	upsertBatch = 256
	// compensateTimeout bounds the cleanup after a failed InsertChunks.
	compensateTimeout = 30 * time.Second
	scrollPage  = 256
	idMask      = 1<<53 - 1
)

// chunkNamespace seeds the deterministic chunk point ids.
var chunkNamespace = uuid.MustParse("6f1d8f7e-3c55-4a8e-9b3a-2f0c4d1e7a90")

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	SetPayload(ctx context.Context, in *pb.SetPayloadPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store implements store.Store.
type Store struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	docs        string
	chunks      string
	dim         int
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

// New dials Qdrant at addr and ensures both collections exist with the
// expected vector size.
func New(ctx context.Context, addr, name string, dim int) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), name, dim)
	s.conn = conn
	if err := s.EnsureCollections(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClients builds a Store on existing clients without touching the server.
func NewWithClients(points PointsAPI, collections CollectionsAPI, name string, dim int) *Store {
	return &Store{
		points:      points,
		collections: collections,
		docs:        name + "_documents",
		chunks:      name + "_chunks",
		dim:         dim,
		now:         time.Now,
	}
}

// Close closes the gRPC connection, if the store owns one.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Dimension implements store.Store.
func (s *Store) Dimension() int { return s.dim }

// EnsureCollections creates missing collections and rejects an existing chunk
// collection whose vector size differs from the configured dimension.
func (s *Store) EnsureCollections(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrant: list collections: %w", err)
	}
	have := map[string]bool{}
	for _, c := range list.GetCollections() {
		have[c.GetName()] = true
	}

	wanted := []struct {
		name     string
		size     int
		distance pb.Distance
	}{
		{s.docs, 1, pb.Distance_Dot},
		{s.chunks, s.dim, pb.Distance_Cosine},
	}
	for _, w := range wanted {
		if have[w.name] {
			continue
		}
		_, err := s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: w.name,
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(w.size), Distance: w.distance},
			}},
		})
		if err != nil {
			return fmt.Errorf("qdrant: create collection %s: %w", w.name, err)
		}
	}

	if have[s.chunks] {
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.chunks})
		if err != nil {
			return fmt.Errorf("qdrant: inspect %s: %w", s.chunks, err)
		}
		size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if int(size) != s.dim {
			return fmt.Errorf("qdrant: collection %s holds %d-dimensional vectors, configured %d: %w", s.chunks, size, s.dim, store.ErrDimensionMismatch)
		}
	}
	return nil
}

// DropCollections deletes both collections.
func (s *Store) DropCollections(ctx context.Context) error {
	for _, name := range []string{s.chunks, s.docs} {
		if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
			return fmt.Errorf("qdrant: delete collection %s: %w", name, err)
		}
	}
	return nil
}

// InsertDocument implements store.Store. Ids are random 53-bit integers.
func (s *Store) InsertDocument(ctx context.Context, doc domain.Document) (int64, error) {
	uploaded := doc.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}
	meta, err := encodeMeta(doc.Metadata)
	if err != nil {
		return 0, err
	}
	id := docID(uuid.New())
	payload := map[string]*pb.Value{
		"filename":     stringValue(doc.Filename),
		"file_path":    stringValue(doc.Location),
		"file_size":    intValue(doc.FileSize),
		"total_chunks": intValue(int64(doc.TotalChunks)),
		"upload_date":  intValue(uploaded.UTC().UnixNano()),
		"metadata":     stringValue(meta),
		"full_text":    stringValue(doc.FullText),
	}
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.docs,
		Wait:           ptr(true),
		Points: []*pb.PointStruct{{
			Id:      numID(id),
			Vectors: vector([]float32{1}),
			Payload: payload,
		}},
	})
	if err != nil {
		return 0, domain.Storage("insert document", err)
	}
	return id, nil
}

// InsertChunks implements store.Store. Qdrant has no transactions, so a
// failed batch deletes the points already written for this call.
func (s *Store) InsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) error {
	if err := store.CheckDimension(chunks, s.dim); err != nil {
		return err
	}
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if seen[c.Index] {
			return domain.NewValidationError("chunk_index", fmt.Sprintf("duplicate index %d", c.Index), domain.ErrInvalidField)
		}
		seen[c.Index] = true
	}
	doc, err := s.getDocPoint(ctx, documentID, false)
	if err != nil {
		return err
	}
	filename := doc.GetPayload()["filename"].GetStringValue()
	created := s.now().UTC().UnixNano()

	var written []*pb.PointId
	for start := 0; start < len(chunks); start += upsertBatch {
		batch := chunks[start:min(start+upsertBatch, len(chunks))]
		points := make([]*pb.PointStruct, len(batch))
		for i, c := range batch {
			meta, err := encodeMeta(c.Metadata)
			if err != nil {
				return err
			}
			points[i] = &pb.PointStruct{
				Id:      numID(chunkID(documentID, c.Index)),
				Vectors: vector(c.Embedding),
				Payload: map[string]*pb.Value{
					"document_id": intValue(documentID),
					"chunk_index": intValue(int64(c.Index)),
					"chunk_text":  stringValue(c.Text),
					"char_count":  intValue(int64(c.CharCount)),
					"filename":    stringValue(filename),
					"metadata":    stringValue(meta),
					"created_at":  intValue(created),
				},
			}
		}
		_, err := s.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: s.chunks, Wait: ptr(true), Points: points})
		if err != nil {
			if cerr := s.compensate(ctx, written); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return domain.Storage("insert chunks", err)
		}
		for _, p := range points {
			written = append(written, p.GetId())
		}
	}

	total, err := s.count(ctx, s.chunks, docFilter(documentID))
	if err != nil {
		return domain.Storage("insert chunks", err)
	}
	_, err = s.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: s.docs,
		Wait:           ptr(true),
		Payload:        map[string]*pb.Value{"total_chunks": intValue(int64(total))},
		PointsSelector: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: []*pb.PointId{numID(documentID)}},
		}},
	})
	return domain.Storage("insert chunks", err)
}

// compensate deletes the chunk points a failed InsertChunks already wrote. It
// runs detached from ctx, which is often the reason the upsert failed.
func (s *Store) compensate(ctx context.Context, written []*pb.PointId) error {
	if len(written) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.chunks,
		Wait:           ptr(true),
		Points:         &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: written}}},
	})
	if err != nil {
		return fmt.Errorf("remove %d partial chunk points: %w", len(written), err)
	}
	return nil
}

// SimilaritySearch implements store.Store.
func (s *Store) SimilaritySearch(ctx context.Context, query []float32, topK int, documentID *int64) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		return []domain.RetrievalResult{}, nil
	}
	if err := store.CheckQuery(query, s.dim); err != nil {
		return nil, err
	}
	req := &pb.SearchPoints{
		CollectionName: s.chunks,
		Vector:         query,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if documentID != nil {
		req.Filter = docFilter(*documentID)
	}
	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, domain.Storage("search", err)
	}

	results := make([]domain.RetrievalResult, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		pl := p.GetPayload()
		results = append(results, domain.RetrievalResult{
			ChunkID:    int64(p.GetId().GetNum()),
			DocumentID: pl["document_id"].GetIntegerValue(),
			Text:       pl["chunk_text"].GetStringValue(),
			Filename:   pl["filename"].GetStringValue(),
			Similarity: float64(p.GetScore()),
			ChunkIndex: int(pl["chunk_index"].GetIntegerValue()),
		})
	}
	return store.Rank(results, topK), nil
}

// GetDocument implements store.Store.
func (s *Store) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	p, err := s.getDocPoint(ctx, id, true)
	if err != nil {
		return nil, err
	}
	doc, err := toDocument(id, p.GetPayload())
	if err != nil {
		return nil, domain.Storage("get document", err)
	}
	doc.FullText = p.GetPayload()["full_text"].GetStringValue()
	return &doc, nil
}

// ListDocuments implements store.Store. Qdrant cannot order a scroll without
// a payload index, so documents are sorted client side.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var docs []domain.Document
	err := s.scroll(ctx, s.docs, &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Exclude{
		Exclude: &pb.PayloadExcludeSelector{Fields: []string{"full_text"}},
	}}, func(p *pb.RetrievedPoint) error {
		d, err := toDocument(int64(p.GetId().GetNum()), p.GetPayload())
		if err != nil {
			return err
		}
		docs = append(docs, d)
		return nil
	})
	if err != nil {
		return nil, domain.Storage("list documents", err)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].ID > docs[j].ID
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return docs, nil
}

// DeleteDocument implements store.Store. Chunks are removed first.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	if _, err := s.getDocPoint(ctx, id, false); err != nil {
		return err
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.chunks,
		Wait:           ptr(true),
		Points:         &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: docFilter(id)}},
	})
	if err != nil {
		return domain.Storage("delete document", err)
	}
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.docs,
		Wait:           ptr(true),
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: []*pb.PointId{numID(id)}},
		}},
	})
	return domain.Storage("delete document", err)
}

// GetStats implements store.Store.
func (s *Store) GetStats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	docs, err := s.count(ctx, s.docs, nil)
	if err != nil {
		return st, domain.Storage("stats", err)
	}
	chunks, err := s.count(ctx, s.chunks, nil)
	if err != nil {
		return st, domain.Storage("stats", err)
	}
	st.TotalDocuments, st.TotalChunks = int64(docs), int64(chunks)
	err = s.scroll(ctx, s.docs, &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
		Include: &pb.PayloadIncludeSelector{Fields: []string{"file_size"}},
	}}, func(p *pb.RetrievedPoint) error {
		st.TotalSizeBytes += p.GetPayload()["file_size"].GetIntegerValue()
		return nil
	})
	return st, domain.Storage("stats", err)
}

func (s *Store) getDocPoint(ctx context.Context, id int64, withPayload bool) (*pb.RetrievedPoint, error) {
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.docs,
		Ids:            []*pb.PointId{numID(id)},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, domain.Storage("get document", err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, store.NotFound(id)
	}
	return resp.GetResult()[0], nil
}

func (s *Store) count(ctx context.Context, collection string, filter *pb.Filter) (uint64, error) {
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: collection, Filter: filter, Exact: ptr(true)})
	if err != nil {
		return 0, err
	}
	return resp.GetResult().GetCount(), nil
}

func (s *Store) scroll(ctx context.Context, collection string, payload *pb.WithPayloadSelector, fn func(*pb.RetrievedPoint) error) error {
	var offset *pb.PointId
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: collection,
			Offset:         offset,
			Limit:          ptr(uint32(scrollPage)),
			WithPayload:    payload,
		})
		if err != nil {
			return err
		}
		for _, p := range resp.GetResult() {
			if err := fn(p); err != nil {
				return err
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return nil
		}
	}
}

func toDocument(id int64, pl map[string]*pb.Value) (domain.Document, error) {
	doc := domain.Document{
		ID:          id,
		Filename:    pl["filename"].GetStringValue(),
		Location:    pl["file_path"].GetStringValue(),
		FileSize:    pl["file_size"].GetIntegerValue(),
		TotalChunks: int(pl["total_chunks"].GetIntegerValue()),
		UploadedAt:  time.Unix(0, pl["upload_date"].GetIntegerValue()).UTC(),
	}
	if raw := pl["metadata"].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc.Metadata); err != nil {
			return doc, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return doc, nil
}

// docID folds a uuid into an integer that survives a JSON float round trip.
func docID(u uuid.UUID) int64 {
	id := int64(binary.BigEndian.Uint64(u[:8]) & idMask)
	if id == 0 {
		id = 1
	}
	return id
}

func chunkID(documentID int64, index int) int64 {
	return docID(uuid.NewSHA1(chunkNamespace, []byte(strconv.FormatInt(documentID, 10)+":"+strconv.Itoa(index))))
}

func docFilter(id int64) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{{
		ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
			Key:   "document_id",
			Match: &pb.Match{MatchValue: &pb.Match_Integer{Integer: id}},
		}},
	}}}
}

func encodeMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("qdrant: encode metadata: %w", err)
	}
	return string(b), nil
}

func numID(id int64) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(id)}}
}

func vector(v []float32) *pb.Vectors {
	return &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: v}}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func ptr[T any](v T) *T { return &v }
