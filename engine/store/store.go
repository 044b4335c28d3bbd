// Package store defines the vector store contract shared by the Postgres,
// SQLite and Qdrant backends, plus the helpers they have in common.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/WessleyAI/docrag/engine/domain"
)

// ErrDimensionMismatch is returned by Open when the persisted schema holds
// vectors of another dimension than the one requested.
var ErrDimensionMismatch = errors.New("store dimension mismatch")

// Store persists documents and chunk embeddings and answers similarity queries.
type Store interface {
	InsertDocument(ctx context.Context, doc domain.Document) (int64, error)
	// InsertChunks is atomic: either every chunk is persisted or none is.
	InsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) error
	// SimilaritySearch returns at most topK chunks by descending cosine
	// similarity, optionally restricted to one document.
	SimilaritySearch(ctx context.Context, query []float32, topK int, documentID *int64) ([]domain.RetrievalResult, error)
	GetDocument(ctx context.Context, id int64) (*domain.Document, error)
	// ListDocuments returns documents newest first without their full text.
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
	// DeleteDocument removes a document and its chunks. A missing document is ErrNotFound.
	DeleteDocument(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (domain.Stats, error)
	Dimension() int
	Close() error
}

// CheckDimension verifies every chunk embedding has length dim.
func CheckDimension(chunks []domain.Chunk, dim int) error {
	for _, c := range chunks {
		if len(c.Embedding) != dim {
			return domain.NewValidationError("embedding",
				fmt.Sprintf("chunk %d has %d dims, want %d", c.Index, len(c.Embedding), dim), domain.ErrInvalidField)
		}
	}
	return nil
}

// CheckQuery verifies the query vector length.
func CheckQuery(query []float32, dim int) error {
	if len(query) != dim {
		return domain.NewValidationError("query_embedding", fmt.Sprintf("%d dims, want %d", len(query), dim), domain.ErrInvalidField)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank sorts results by similarity descending, chunk id ascending, and
// truncates to topK.
func Rank(results []domain.RetrievalResult, topK int) []domain.RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if topK >= 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// NotFound builds the not-found error for a document id.
func NotFound(id int64) error {
	return &domain.NotFoundError{Resource: "document", ID: id}
}
