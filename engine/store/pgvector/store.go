// Package pgvector stores documents and chunk embeddings in PostgreSQL with
// the pgvector extension, accessed through gorm.
package pgvector

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgv "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/store"
)

const (
	batchSize = 500
	// maxIndexedDim is the largest vector pgvector can put in an HNSW index.
	maxIndexedDim = 2000
	// maxEfSearch is pgvector's upper bound for hnsw.ef_search. An index scan
	// returns at most ef_search rows, so larger topK values scan exactly.
	maxEfSearch = 1000
)

// jsonMap is a map persisted as jsonb.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *jsonMap) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("jsonMap: unsupported type %T", src)
	}
	return json.Unmarshal(b, m)
}

type documentRow struct {
	ID          int64 `gorm:"primaryKey"`
	Filename    string
	FilePath    string
	FileSize    int64
	TotalChunks int
	UploadDate  time.Time
	Metadata    jsonMap
	FullText    string
}

func (documentRow) TableName() string { return "documents" }

type chunkRow struct {
	ID         int64 `gorm:"primaryKey"`
	DocumentID int64
	ChunkIndex int
	ChunkText  string
	CharCount  int
	Embedding  pgv.Vector
	Metadata   jsonMap
	CreatedAt  time.Time
}

func (chunkRow) TableName() string { return "chunks" }

// searchRow mirrors domain.RetrievalResult field for field.
type searchRow struct {
	ChunkID    int64
	DocumentID int64
	Text       string
	Filename   string
	Similarity float64
	ChunkIndex int
}

// Store implements store.Store.
type Store struct {
	db  *gorm.DB
	dim int
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, creates the schema when missing and verifies that an
// existing embedding column has dimension dim.
func Open(ctx context.Context, dsn string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("pgvector: dimension must be positive, got %d", dim)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}
	s := &Store{db: db, dim: dim}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			id           BIGSERIAL PRIMARY KEY,
			filename     TEXT        NOT NULL,
			file_path    TEXT        NOT NULL,
			file_size    BIGINT      NOT NULL,
			total_chunks INTEGER     NOT NULL DEFAULT 0,
			upload_date  TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata     JSONB       NOT NULL DEFAULT '{}',
			full_text    TEXT        NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_upload_date ON documents (upload_date DESC, id DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id          BIGSERIAL PRIMARY KEY,
			document_id BIGINT      NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
			chunk_index INTEGER     NOT NULL,
			chunk_text  TEXT        NOT NULL,
			char_count  INTEGER     NOT NULL,
			embedding   vector(%d)  NOT NULL,
			metadata    JSONB       NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index)
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id)`,
	}
	if s.dim <= maxIndexedDim {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw
			ON chunks USING hnsw (embedding vector_cosine_ops)`)
	}
	db := s.db.WithContext(ctx)
	for _, q := range stmts {
		if err := db.Exec(q).Error; err != nil {
			return fmt.Errorf("pgvector: migrate: %w", err)
		}
	}

	// A vector column's type modifier is its dimension.
	var existing int
	if err := db.Raw(`SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'`).Scan(&existing).Error; err != nil {
		return fmt.Errorf("pgvector: inspect schema: %w", err)
	}
	if existing != s.dim {
		return fmt.Errorf("pgvector: chunks.embedding is vector(%d), configured %d: %w", existing, s.dim, store.ErrDimensionMismatch)
	}
	return nil
}

// Dimension implements store.Store.
func (s *Store) Dimension() int { return s.dim }

// Close implements store.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertDocument implements store.Store.
func (s *Store) InsertDocument(ctx context.Context, doc domain.Document) (int64, error) {
	row := documentRow{
		Filename:    doc.Filename,
		FilePath:    doc.Location,
		FileSize:    doc.FileSize,
		TotalChunks: doc.TotalChunks,
		UploadDate:  doc.UploadedAt,
		Metadata:    doc.Metadata,
		FullText:    doc.FullText,
	}
	if row.UploadDate.IsZero() {
		row.UploadDate = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, domain.Storage("insert document", err)
	}
	return row.ID, nil
}

// InsertChunks implements store.Store inside one transaction.
func (s *Store) InsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) error {
	if err := store.CheckDimension(chunks, s.dim); err != nil {
		return err
	}
	now := time.Now().UTC()
	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = chunkRow{
			DocumentID: documentID,
			ChunkIndex: c.Index,
			ChunkText:  c.Text,
			CharCount:  c.CharCount,
			Embedding:  pgv.NewVector(c.Embedding),
			Metadata:   c.Metadata,
			CreatedAt:  now,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&documentRow{}).Where("id = ?", documentID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return store.NotFound(documentID)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
				return err
			}
		}
		return tx.Exec(`UPDATE documents SET total_chunks = (SELECT COUNT(*) FROM chunks WHERE document_id = ?)
			WHERE id = ?`, documentID, documentID).Error
	})
	return domain.Storage("insert chunks", err)
}

// SimilaritySearch implements store.Store. Unscoped searches use the HNSW
// index; scoped ones order by an expression the planner cannot index so the
// document filter is applied exactly.
func (s *Store) SimilaritySearch(ctx context.Context, query []float32, topK int, documentID *int64) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		return []domain.RetrievalResult{}, nil
	}
	if err := store.CheckQuery(query, s.dim); err != nil {
		return nil, err
	}
	vec := pgv.NewVector(query)

	var rows []searchRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table("chunks AS c").
			Select("c.id AS chunk_id, c.document_id, c.chunk_text AS text, c.chunk_index, d.filename, 1 - (c.embedding <=> ?) AS similarity", vec).
			Joins("JOIN documents AS d ON d.id = c.document_id")
		orderSQL := "c.embedding <=> ?"
		if documentID != nil {
			q = q.Where("c.document_id = ?", *documentID)
		}
		if documentID != nil || topK > maxEfSearch {
			orderSQL = "(c.embedding <=> ?) + 0"
		} else if s.dim <= maxIndexedDim {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch(topK))).Error; err != nil {
				return err
			}
		}
		return q.Clauses(clause.OrderBy{Expression: clause.Expr{SQL: orderSQL + ", c.id", Vars: []any{vec}}}).
			Limit(topK).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, domain.Storage("search", err)
	}

	results := make([]domain.RetrievalResult, len(rows))
	for i, r := range rows {
		results[i] = domain.RetrievalResult(r)
	}
	return store.Rank(results, topK), nil
}

// efSearch is the HNSW candidate list size for a query of topK.
func efSearch(topK int) int {
	return min(max(40, topK*2), maxEfSearch)
}

// GetDocument implements store.Store.
func (s *Store) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, domain.Storage("get document", err)
	}
	doc := toDocument(row)
	doc.FullText = row.FullText
	return &doc, nil
}

// ListDocuments implements store.Store.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []documentRow
	err := s.db.WithContext(ctx).Omit("full_text").
		Order("upload_date DESC, id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, domain.Storage("list documents", err)
	}
	docs := make([]domain.Document, len(rows))
	for i, r := range rows {
		docs[i] = toDocument(r)
	}
	return docs, nil
}

// DeleteDocument implements store.Store. Chunks cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&documentRow{}, id)
	if res.Error != nil {
		return domain.Storage("delete document", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.NotFound(id)
	}
	return nil
}

// GetStats implements store.Store.
func (s *Store) GetStats(ctx context.Context) (domain.Stats, error) {
	var st struct {
		Docs   int64
		Chunks int64
		Bytes  int64
	}
	err := s.db.WithContext(ctx).Raw(`SELECT
		(SELECT COUNT(*) FROM documents) AS docs,
		(SELECT COUNT(*) FROM chunks) AS chunks,
		(SELECT COALESCE(SUM(file_size), 0) FROM documents) AS bytes`).Scan(&st).Error
	if err != nil {
		return domain.Stats{}, domain.Storage("stats", err)
	}
	return domain.Stats{TotalDocuments: st.Docs, TotalChunks: st.Chunks, TotalSizeBytes: st.Bytes}, nil
}

func toDocument(r documentRow) domain.Document {
	return domain.Document{
		ID:          r.ID,
		Filename:    r.Filename,
		Location:    r.FilePath,
		FileSize:    r.FileSize,
		TotalChunks: r.TotalChunks,
		UploadedAt:  r.UploadDate.UTC(),
		Metadata:    r.Metadata,
	}
}
