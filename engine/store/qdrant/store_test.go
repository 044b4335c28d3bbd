package qdrant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/store"
)

// --- Mocks ---

type mockPoints struct {
	upserts    []*pb.UpsertPoints
	upsertErrs []error // consumed per call
	deletes    []*pb.DeletePoints
	setPayload []*pb.SetPayloadPoints
	getResp    *pb.GetResponse
	getErr     error
	search     *pb.SearchPoints
	searchResp *pb.SearchResponse
	scrollResp []*pb.ScrollResponse
	countResp  map[string]uint64
	deleteErr  error
	// cancelOnUpsert cancels the caller's context during that upsert call (1-based).
	cancelOnUpsert int
	cancel         context.CancelFunc
}

func (m *mockPoints) Upsert(ctx context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserts = append(m.upserts, in)
	if m.cancelOnUpsert == len(m.upserts) && m.cancel != nil {
		m.cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &pb.PointsOperationResponse{}, nil
}
func (m *mockPoints) Delete(ctx context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.deletes = append(m.deletes, in)
	return &pb.PointsOperationResponse{}, m.deleteErr
}
func (m *mockPoints) SetPayload(_ context.Context, in *pb.SetPayloadPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.setPayload = append(m.setPayload, in)
	return &pb.PointsOperationResponse{}, nil
}
func (m *mockPoints) Get(_ context.Context, _ *pb.GetPoints, _ ...grpc.CallOption) (*pb.GetResponse, error) {
	if m.getResp == nil {
		return &pb.GetResponse{}, m.getErr
	}
	return m.getResp, m.getErr
}
func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.search = in
	return m.searchResp, nil
}
func (m *mockPoints) Scroll(_ context.Context, _ *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	if len(m.scrollResp) == 0 {
		return &pb.ScrollResponse{}, nil
	}
	r := m.scrollResp[0]
	m.scrollResp = m.scrollResp[1:]
	return r, nil
}
func (m *mockPoints) Count(_ context.Context, in *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return &pb.CountResponse{Result: &pb.CountResult{Count: m.countResp[in.GetCollectionName()]}}, nil
}

type mockCollections struct {
	existing []string
	size     uint64
	created  []string
	listErr  error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	resp := &pb.ListCollectionsResponse{}
	for _, n := range m.existing {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: n})
	}
	return resp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: true}, nil
}
func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{Config: &pb.CollectionConfig{
		Params: &pb.CollectionParams{VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: m.size},
		}}},
	}}}, nil
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func docPoint(id int64, payload map[string]*pb.Value) *pb.GetResponse {
	return &pb.GetResponse{Result: []*pb.RetrievedPoint{{Id: numID(id), Payload: payload}}}
}

func chunks(n, dim int) []domain.Chunk {
	out := make([]domain.Chunk, n)
	for i := range out {
		out[i] = domain.Chunk{Index: i, Text: "t", CharCount: 1, Embedding: make([]float32, dim)}
	}
	return out
}

// --- Tests ---

func TestEnsureCollections_CreatesMissing(t *testing.T) {
	cols := &mockCollections{existing: []string{"docs_documents"}}
	s := NewWithClients(&mockPoints{}, cols, "docs", 4)
	if err := s.EnsureCollections(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 1 || cols.created[0] != "docs_chunks" {
		t.Errorf("created = %v", cols.created)
	}
}

func TestEnsureCollections_DimensionMismatch(t *testing.T) {
	cols := &mockCollections{existing: []string{"docs_documents", "docs_chunks"}, size: 768}
	s := NewWithClients(&mockPoints{}, cols, "docs", 384)
	if err := s.EnsureCollections(context.Background()); !errors.Is(err, store.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEnsureCollections_ListError(t *testing.T) {
	s := NewWithClients(&mockPoints{}, &mockCollections{listErr: errors.New("rpc fail")}, "docs", 4)
	if err := s.EnsureCollections(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestInsertDocument_Payload(t *testing.T) {
	pts := &mockPoints{}
	s := NewWithClients(pts, &mockCollections{}, "docs", 4)
	id, err := s.InsertDocument(context.Background(), domain.Document{Filename: "a.pdf", FileSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id <= 0 || id > idMask {
		t.Errorf("id %d out of range", id)
	}
	up := pts.upserts[0]
	if up.GetCollectionName() != "docs_documents" || !up.GetWait() {
		t.Errorf("bad upsert %v", up)
	}
	pl := up.GetPoints()[0].GetPayload()
	if pl["filename"].GetStringValue() != "a.pdf" || pl["file_size"].GetIntegerValue() != 10 {
		t.Errorf("payload = %v", pl)
	}
	if pl["upload_date"].GetIntegerValue() == 0 {
		t.Error("upload_date not defaulted")
	}
}

func TestInsertChunks_MissingDocument(t *testing.T) {
	s := NewWithClients(&mockPoints{}, &mockCollections{}, "docs", 4)
	err := s.InsertChunks(context.Background(), 7, chunks(1, 4))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestInsertChunks_DuplicateIndex(t *testing.T) {
	pts := &mockPoints{getResp: docPoint(7, nil)}
	s := NewWithClients(pts, &mockCollections{}, "docs", 4)
	c := chunks(3, 4)
	c[2].Index = 0
	if err := s.InsertChunks(context.Background(), 7, c); !errors.Is(err, domain.ErrInvalidField) {
		t.Fatalf("got %v", err)
	}
	if len(pts.upserts) != 0 {
		t.Error("nothing should be written")
	}
}

func TestInsertChunks_CompensatesOnFailure(t *testing.T) {
	pts := &mockPoints{
		getResp:    docPoint(7, map[string]*pb.Value{"filename": stringValue("a.pdf")}),
		upsertErrs: []error{nil, errors.New("disk full")},
	}
	s := NewWithClients(pts, &mockCollections{}, "docs", 4)
	err := s.InsertChunks(context.Background(), 7, chunks(upsertBatch+10, 4))
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StorageError", err)
	}
	if len(pts.deletes) != 1 {
		t.Fatalf("deletes = %d, want 1", len(pts.deletes))
	}
	ids := pts.deletes[0].GetPoints().GetPoints().GetIds()
	if len(ids) != upsertBatch {
		t.Errorf("compensated %d points, want %d", len(ids), upsertBatch)
	}
	if len(pts.setPayload) != 0 {
		t.Error("total_chunks must not be updated on failure")
	}
}

func TestInsertChunks_CompensatesAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pts := &mockPoints{
		getResp:        docPoint(7, map[string]*pb.Value{"filename": stringValue("a.pdf")}),
		cancelOnUpsert: 2,
		cancel:         cancel,
	}
	s := NewWithClients(pts, &mockCollections{}, "docs", 4)

	err := s.InsertChunks(ctx, 7, chunks(upsertBatch+10, 4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if len(pts.deletes) != 1 {
		t.Fatalf("deletes = %d, want 1 despite the cancelled context", len(pts.deletes))
	}
	if ids := pts.deletes[0].GetPoints().GetPoints().GetIds(); len(ids) != upsertBatch {
		t.Errorf("compensated %d points, want %d", len(ids), upsertBatch)
	}
}

func TestInsertChunks_ReportsFailedCompensation(t *testing.T) {
	pts := &mockPoints{
		getResp:    docPoint(7, map[string]*pb.Value{"filename": stringValue("a.pdf")}),
		upsertErrs: []error{nil, errors.New("disk full")},
		deleteErr:  errors.New("qdrant unavailable"),
	}
	s := NewWithClients(pts, &mockCollections{}, "docs", 4)

	err := s.InsertChunks(context.Background(), 7, chunks(upsertBatch+10, 4))
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StorageError", err)
	}
	if !strings.Contains(err.Error(), "disk full") || !strings.Contains(err.Error(), "qdrant unavailable") {
		t.Errorf("error should carry both causes: %v", err)
	}
}

func TestInsertChunks_Success(t *testing.T) {
	pts := &mockPoints{
		getResp:   docPoint(7, map[string]*pb.Value{"filename": stringValue("a.pdf")}),
		countResp: map[string]uint64{"docs_chunks": 3},
	}
	s := NewWithClients(pts, &mockCollections{}, "docs", 4)
	if err := s.InsertChunks(context.Background(), 7, chunks(3, 4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := pts.upserts[0].GetPoints()[1]
	if p.GetPayload()["filename"].GetStringValue() != "a.pdf" || p.GetPayload()["chunk_index"].GetIntegerValue() != 1 {
		t.Errorf("payload = %v", p.GetPayload())
	}
	if p.GetId().GetNum() != uint64(chunkID(7, 1)) {
		t.Error("chunk ids must be deterministic")
	}
	if got := pts.setPayload[0].GetPayload()["total_chunks"].GetIntegerValue(); got != 3 {
		t.Errorf("total_chunks = %d", got)
	}
}

func TestInsertChunks_DimensionMismatch(t *testing.T) {
	s := NewWithClients(&mockPoints{}, &mockCollections{}, "docs", 4)
	if err := s.InsertChunks(context.Background(), 7, chunks(1, 3)); !errors.Is(err, domain.ErrInvalidField) {
		t.Fatalf("got %v", err)
	}
}

func TestSimilaritySearch_MapsAndFilters(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		{Id: numID(2), Score: 0.5, Payload: map[string]*pb.Value{"document_id": intValue(7), "chunk_text": stringValue("b"), "filename": stringValue("a.pdf"), "chunk_index": intValue(1)}},
		{Id: numID(1), Score: 0.9, Payload: map[string]*pb.Value{"document_id": intValue(7), "chunk_text": stringValue("a"), "filename": stringValue("a.pdf"), "chunk_index": intValue(0)}},
	}}}
	s := NewWithClients(pts, &mockCollections{}, "docs", 2)
	doc := int64(7)
	res, err := s.SimilaritySearch(context.Background(), []float32{1, 0}, 5, &doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 2 || res[0].Text != "a" || res[0].ChunkID != 1 {
		t.Fatalf("results = %+v", res)
	}
	cond := pts.search.GetFilter().GetMust()[0].GetField()
	if cond.GetKey() != "document_id" || cond.GetMatch().GetInteger() != 7 {
		t.Errorf("filter = %v", pts.search.GetFilter())
	}
}

func TestSimilaritySearch_ZeroTopK(t *testing.T) {
	pts := &mockPoints{}
	s := NewWithClients(pts, &mockCollections{}, "docs", 2)
	res, err := s.SimilaritySearch(context.Background(), []float32{1, 0}, 0, nil)
	if err != nil || len(res) != 0 || pts.search != nil {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestListDocuments_SortsNewestFirst(t *testing.T) {
	page := func(id int64, name string, at int64) *pb.RetrievedPoint {
		return &pb.RetrievedPoint{Id: numID(id), Payload: map[string]*pb.Value{
			"filename": stringValue(name), "upload_date": intValue(at), "metadata": stringValue(`{"k":"v"}`),
		}}
	}
	pts := &mockPoints{scrollResp: []*pb.ScrollResponse{
		{Result: []*pb.RetrievedPoint{page(1, "old", 100), page(2, "new", 300)}, NextPageOffset: numID(3)},
		{Result: []*pb.RetrievedPoint{page(3, "mid", 200)}},
	}}
	s := NewWithClients(pts, &mockCollections{}, "docs", 2)
	docs, err := s.ListDocuments(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 || docs[0].Filename != "new" || docs[1].Filename != "mid" {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[0].Metadata["k"] != "v" {
		t.Errorf("metadata = %v", docs[0].Metadata)
	}
}

func TestDeleteDocument(t *testing.T) {
	s := NewWithClients(&mockPoints{}, &mockCollections{}, "docs", 2)
	if err := s.DeleteDocument(context.Background(), 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	pts := &mockPoints{getResp: docPoint(9, nil)}
	s = NewWithClients(pts, &mockCollections{}, "docs", 2)
	if err := s.DeleteDocument(context.Background(), 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts.deletes) != 2 || pts.deletes[0].GetCollectionName() != "docs_chunks" {
		t.Errorf("deletes = %v", pts.deletes)
	}
}

func TestGetStats(t *testing.T) {
	pts := &mockPoints{
		countResp: map[string]uint64{"docs_documents": 2, "docs_chunks": 9},
		scrollResp: []*pb.ScrollResponse{{Result: []*pb.RetrievedPoint{
			{Payload: map[string]*pb.Value{"file_size": intValue(10)}},
			{Payload: map[string]*pb.Value{"file_size": intValue(32)}},
		}}},
	}
	s := NewWithClients(pts, &mockCollections{}, "docs", 2)
	st, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != (domain.Stats{TotalDocuments: 2, TotalChunks: 9, TotalSizeBytes: 42}) {
		t.Errorf("stats = %+v", st)
	}
}

func TestDocIDRange(t *testing.T) {
	for range 100 {
		id := docID(uuid.New())
		if id <= 0 || id > idMask {
			t.Fatalf("id %d out of range", id)
		}
	}
	if chunkID(1, 0) == chunkID(1, 1) || chunkID(1, 0) != chunkID(1, 0) {
		t.Error("chunk ids must be distinct per index and stable")
	}
}
