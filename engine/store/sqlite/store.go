// Package sqlite is an embedded vector store on modernc.org/sqlite. Similarity
// search is an exhaustive cosine scan, so results are exact.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/store"
	"github.com/WessleyAI/docrag/engine/store/sqlite/migrations"
)

// rowsPerInsert bounds the rows of one multi-row INSERT statement.
const rowsPerInsert = 500

// Store implements store.Store.
type Store struct {
	db  *sql.DB
	dim int
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path for vectors of dimension dim.
// Reopening a database created with another dimension fails.
func Open(ctx context.Context, path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("sqlite: dimension must be positive, got %d", dim)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	// Write transactions take the lock up front so busy_timeout applies;
	// a deferred read-then-write upgrade fails with SQLITE_BUSY at once.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	s := &Store{db: db, dim: dim}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	if err := s.checkDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkDimension(ctx context.Context) error {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'dimension'`).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `INSERT INTO store_meta (key, value) VALUES ('dimension', ?)`, strconv.Itoa(s.dim))
		return domain.Storage("init", err)
	case err != nil:
		return domain.Storage("init", err)
	}
	if v != strconv.Itoa(s.dim) {
		return fmt.Errorf("sqlite: database holds %s-dimensional vectors, configured %d: %w", v, s.dim, store.ErrDimensionMismatch)
	}
	return nil
}

// Dimension implements store.Store.
func (s *Store) Dimension() int { return s.dim }

// Close implements store.Store.
func (s *Store) Close() error { return s.db.Close() }

// InsertDocument implements store.Store.
func (s *Store) InsertDocument(ctx context.Context, doc domain.Document) (int64, error) {
	meta, err := encodeMeta(doc.Metadata)
	if err != nil {
		return 0, err
	}
	uploaded := doc.UploadedAt
	if uploaded.IsZero() {
		uploaded = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO documents
		(filename, file_path, file_size, total_chunks, upload_date, metadata, full_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.Filename, doc.Location, doc.FileSize, doc.TotalChunks, uploaded.UTC().UnixNano(), meta, doc.FullText)
	if err != nil {
		return 0, domain.Storage("insert document", err)
	}
	id, err := res.LastInsertId()
	return id, domain.Storage("insert document", err)
}

// InsertChunks implements store.Store. All rows go in one transaction.
func (s *Store) InsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) (err error) {
	if err := store.CheckDimension(chunks, s.dim); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Storage("insert chunks", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, documentID).Scan(&exists); err != nil {
		return domain.Storage("insert chunks", err)
	}
	if exists == 0 {
		return store.NotFound(documentID)
	}

	now := time.Now().UTC().UnixNano()
	for start := 0; start < len(chunks); start += rowsPerInsert {
		batch := chunks[start:min(start+rowsPerInsert, len(chunks))]
		var q strings.Builder
		q.WriteString(`INSERT INTO chunks
			(document_id, chunk_index, chunk_text, char_count, embedding, metadata, created_at) VALUES `)
		args := make([]any, 0, len(batch)*7)
		for i, c := range batch {
			if i > 0 {
				q.WriteByte(',')
			}
			q.WriteString("(?, ?, ?, ?, ?, ?, ?)")
			meta, err := encodeMeta(c.Metadata)
			if err != nil {
				return err
			}
			args = append(args, documentID, c.Index, c.Text, c.CharCount, encodeVector(c.Embedding), meta, now)
		}
		if _, err := tx.ExecContext(ctx, q.String(), args...); err != nil {
			return domain.Storage("insert chunks", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents
		SET total_chunks = (SELECT COUNT(*) FROM chunks WHERE document_id = ?) WHERE id = ?`,
		documentID, documentID); err != nil {
		return domain.Storage("insert chunks", err)
	}
	return domain.Storage("insert chunks", tx.Commit())
}

// SimilaritySearch implements store.Store with an exhaustive scan.
func (s *Store) SimilaritySearch(ctx context.Context, query []float32, topK int, documentID *int64) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		return []domain.RetrievalResult{}, nil
	}
	if err := store.CheckQuery(query, s.dim); err != nil {
		return nil, err
	}
	q := `SELECT c.id, c.document_id, c.chunk_text, c.chunk_index, c.embedding, d.filename
		FROM chunks c JOIN documents d ON d.id = c.document_id`
	var args []any
	if documentID != nil {
		q += ` WHERE c.document_id = ?`
		args = append(args, *documentID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Storage("search", err)
	}
	defer rows.Close()

	results := []domain.RetrievalResult{}
	for rows.Next() {
		var (
			r    domain.RetrievalResult
			blob []byte
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Text, &r.ChunkIndex, &blob, &r.Filename); err != nil {
			return nil, domain.Storage("search", err)
		}
		r.Similarity = store.Cosine(query, decodeVector(blob))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("search", err)
	}
	return store.Rank(results, topK), nil
}

const docColumns = `id, filename, file_path, file_size, total_chunks, upload_date, metadata`

// GetDocument implements store.Store.
func (s *Store) GetDocument(ctx context.Context, id int64) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+`, full_text FROM documents WHERE id = ?`, id)
	var fullText string
	doc, err := scanDocument(row, &fullText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, domain.Storage("get document", err)
	}
	doc.FullText = fullText
	return doc, nil
}

// ListDocuments implements store.Store.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+docColumns+` FROM documents
		ORDER BY upload_date DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.Storage("list documents", err)
	}
	defer rows.Close()

	docs := []domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, domain.Storage("list documents", err)
		}
		docs = append(docs, *doc)
	}
	return docs, domain.Storage("list documents", rows.Err())
}

// DeleteDocument implements store.Store. Chunks go with it through the
// foreign key cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return domain.Storage("delete document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Storage("delete document", err)
	}
	if n == 0 {
		return store.NotFound(id)
	}
	return nil
}

// GetStats implements store.Store.
func (s *Store) GetStats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM documents),
		(SELECT COUNT(*) FROM chunks),
		(SELECT COALESCE(SUM(file_size), 0) FROM documents)`).
		Scan(&st.TotalDocuments, &st.TotalChunks, &st.TotalSizeBytes)
	return st, domain.Storage("stats", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner, extra ...any) (*domain.Document, error) {
	var (
		doc      domain.Document
		uploaded int64
		meta     string
	)
	dest := append([]any{&doc.ID, &doc.Filename, &doc.Location, &doc.FileSize, &doc.TotalChunks, &uploaded, &meta}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	doc.UploadedAt = time.Unix(0, uploaded).UTC()
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &doc, nil
}

func encodeMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	return string(b), nil
}

// encodeVector stores float32 values little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
