// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/store"
)

// Factory returns an empty store of the given dimension. The suite closes it.
type Factory func(t *testing.T, dim int) store.Store

const dim = 4

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"SearchOrderAndBound", testSearchOrderAndBound},
		{"SearchScoped", testSearchScoped},
		{"SearchZeroTopK", testSearchZeroTopK},
		{"SearchLargeTopK", testSearchLargeTopK},
		{"DimensionMismatch", testDimensionMismatch},
		{"InsertChunksAtomic", testInsertChunksAtomic},
		{"InsertChunksMissingDocument", testInsertChunksMissingDocument},
		{"DeleteCascades", testDeleteCascades},
		{"ListNewestFirst", testListNewestFirst},
		{"Stats", testStats},
		{"ConcurrentIngest", testConcurrentIngest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, dim)
			t.Cleanup(func() { _ = s.Close() })
			require.Equal(t, dim, s.Dimension())
			tt.fn(t, s)
		})
	}
}

func newDoc(name string, size int64, at time.Time) domain.Document {
	return domain.Document{
		Filename:   name,
		Location:   "/uploads/" + name,
		FileSize:   size,
		UploadedAt: at,
		Metadata:   map[string]any{"source": "test"},
		FullText:   "full text of " + name,
	}
}

// chunksFor builds chunks whose embeddings rotate through the unit axes.
func chunksFor(n int) []domain.Chunk {
	out := make([]domain.Chunk, n)
	for i := range out {
		v := make([]float32, dim)
		v[i%dim] = 1
		out[i] = domain.Chunk{
			Index:     i,
			Text:      fmt.Sprintf("chunk %d", i),
			CharCount: len(fmt.Sprintf("chunk %d", i)),
			Embedding: v,
			Metadata:  map[string]any{"n": i},
		}
	}
	return out
}

func seed(t *testing.T, s store.Store, name string, chunks []domain.Chunk) int64 {
	t.Helper()
	ctx := context.Background()
	doc := newDoc(name, 100, time.Now().UTC())
	doc.TotalChunks = len(chunks)
	id, err := s.InsertDocument(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, s.InsertChunks(ctx, id, chunks))
	return id
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := seed(t, s, "a.pdf", chunksFor(3))

	got, err := s.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "a.pdf", got.Filename)
	assert.Equal(t, "/uploads/a.pdf", got.Location)
	assert.Equal(t, int64(100), got.FileSize)
	assert.Equal(t, 3, got.TotalChunks)
	assert.Equal(t, "full text of a.pdf", got.FullText)
	assert.Equal(t, "test", got.Metadata["source"])

	_, err = s.GetDocument(ctx, id+1000)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testSearchOrderAndBound(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "a.pdf", chunksFor(8))

	query := []float32{1, 0.5, 0, 0}
	res, err := s.SimilaritySearch(ctx, query, 3, nil)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Similarity, res[i].Similarity)
	}
	assert.Equal(t, "a.pdf", res[0].Filename)
	assert.InDelta(t, 0.894, res[0].Similarity, 0.01)
	assert.Equal(t, 0, res[0].ChunkIndex%dim)

	all, err := s.SimilaritySearch(ctx, query, 100, nil)
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func testSearchScoped(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "a.pdf", chunksFor(4))
	b := seed(t, s, "b.pdf", chunksFor(4))

	res, err := s.SimilaritySearch(ctx, []float32{0, 1, 0, 0}, 10, &b)
	require.NoError(t, err)
	require.Len(t, res, 4)
	for _, r := range res {
		assert.Equal(t, b, r.DocumentID)
		assert.Equal(t, "b.pdf", r.Filename)
	}
	assert.NotEqual(t, a, b)
}

func testSearchLargeTopK(t *testing.T, s store.Store) {
	seed(t, s, "a.pdf", chunksFor(6))
	res, err := s.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0}, 5000, nil)
	require.NoError(t, err)
	assert.Len(t, res, 6)
}

func testSearchZeroTopK(t *testing.T, s store.Store) {
	seed(t, s, "a.pdf", chunksFor(2))
	res, err := s.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func testDimensionMismatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertDocument(ctx, newDoc("a.pdf", 1, time.Now()))
	require.NoError(t, err)

	bad := chunksFor(2)
	bad[1].Embedding = []float32{1, 2}
	err = s.InsertChunks(ctx, id, bad)
	var ve *domain.ValidationError
	assert.True(t, errors.As(err, &ve), "got %v", err)

	_, err = s.SimilaritySearch(ctx, []float32{1, 0}, 5, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidField)
}

func testInsertChunksAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertDocument(ctx, newDoc("a.pdf", 1, time.Now()))
	require.NoError(t, err)

	// A duplicate index late in a large batch fails after earlier rows were written.
	chunks := chunksFor(700)
	chunks[650].Index = 3
	require.Error(t, s.InsertChunks(ctx, id, chunks))

	res, err := s.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 10, &id)
	require.NoError(t, err)
	assert.Empty(t, res)

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalChunks)
}

func testInsertChunksMissingDocument(t *testing.T, s store.Store) {
	err := s.InsertChunks(context.Background(), 424242, chunksFor(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "a.pdf", chunksFor(3))
	b := seed(t, s, "b.pdf", chunksFor(2))

	require.NoError(t, s.DeleteDocument(ctx, a))
	assert.ErrorIs(t, s.DeleteDocument(ctx, a), domain.ErrNotFound)

	_, err := s.GetDocument(ctx, a)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := s.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, b, r.DocumentID)
	}

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{TotalDocuments: 1, TotalChunks: 2, TotalSizeBytes: 100}, st)
}

func testListNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"old.pdf", "mid.pdf", "new.pdf"} {
		_, err := s.InsertDocument(ctx, newDoc(name, 1, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	docs, err := s.ListDocuments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "new.pdf", docs[0].Filename)
	assert.Equal(t, "mid.pdf", docs[1].Filename)
	assert.Equal(t, "old.pdf", docs[2].Filename)
	for _, d := range docs {
		assert.Empty(t, d.FullText)
	}

	docs, err = s.ListDocuments(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{}, st)

	seed(t, s, "a.pdf", chunksFor(3))
	seed(t, s, "b.pdf", chunksFor(5))
	st, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{TotalDocuments: 2, TotalChunks: 8, TotalSizeBytes: 200}, st)
}

// testConcurrentIngest runs several document+chunk inserts at once, the way
// parallel uploads reach the store.
func testConcurrentIngest(t *testing.T, s store.Store) {
	const workers, perWorker, chunks = 8, 5, 30
	ctx := context.Background()
	errs := make(chan error, workers*perWorker)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				name := fmt.Sprintf("w%d-%d.pdf", w, i)
				id, err := s.InsertDocument(ctx, newDoc(name, 10, time.Now()))
				if err != nil {
					errs <- fmt.Errorf("insert document %s: %w", name, err)
					continue
				}
				if err := s.InsertChunks(ctx, id, chunksFor(chunks)); err != nil {
					errs <- fmt.Errorf("insert chunks %s: %w", name, err)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), stats.TotalDocuments)
	assert.Equal(t, int64(workers*perWorker*chunks), stats.TotalChunks)
}
