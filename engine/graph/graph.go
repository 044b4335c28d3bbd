// Package graph mirrors each document's chunk sequence into Neo4j as
// (:Document)-[:HAS_CHUNK]->(:Chunk)-[:NEXT]->(:Chunk) and reads the
// neighbours of a retrieved chunk back for context expansion.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/docrag/engine/domain"
)

// Store owns all chunk-graph Cypher.
type Store struct {
	opener SessionOpener
	driver neo4j.DriverWithContext
}

// Neighbor is a chunk adjacent to a retrieved one.
type Neighbor struct {
	ChunkIndex int
	Text       string
}

// Connect opens a driver to url and verifies connectivity. An empty user
// means no authentication.
func Connect(ctx context.Context, url, user, pass string) (*Store, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, pass, "")
	}
	driver, err := neo4j.NewDriverWithContext(url, auth)
	if err != nil {
		return nil, fmt.Errorf("graph: connect %s: %w", url, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify %s: %w", url, err)
	}
	return &Store{opener: driverOpener{driver}, driver: driver}, nil
}

// NewWithOpener builds a Store on a custom session source.
func NewWithOpener(o SessionOpener) *Store {
	return &Store{opener: o}
}

// Close releases the driver, if the store owns one.
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
	} {
		if _, err := sess.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("graph: schema: %w", err)
		}
	}
	return nil
}

func chunkKey(documentID int64, index int) string {
	return fmt.Sprintf("%d:%d", documentID, index)
}

// MirrorDocument writes the document node, one node per chunk and the NEXT
// chain in chunk order, in a single transaction.
func (s *Store) MirrorDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	rows := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		rows[i] = map[string]any{
			"id":    chunkKey(doc.ID, c.Index),
			"index": c.Index,
			"text":  c.Text,
		}
	}

	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (d:Document {id: $id}) SET d.filename = $filename, d.total_chunks = $total`,
			map[string]any{"id": doc.ID, "filename": doc.Filename, "total": len(chunks)}); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		if _, err := tx.Run(ctx,
			`MATCH (d:Document {id: $id})
			 UNWIND $chunks AS row
			 MERGE (c:Chunk {id: row.id})
			 SET c.document_id = $id, c.chunk_index = row.index, c.text = row.text
			 MERGE (d)-[:HAS_CHUNK]->(c)`,
			map[string]any{"id": doc.ID, "chunks": rows}); err != nil {
			return nil, err
		}
		return tx.Run(ctx,
			`MATCH (:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			 WITH c ORDER BY c.chunk_index
			 WITH collect(c) AS cs
			 UNWIND range(0, size(cs) - 2) AS i
			 WITH cs[i] AS a, cs[i + 1] AS b
			 MERGE (a)-[:NEXT]->(b)`,
			map[string]any{"id": doc.ID})
	})
	if err != nil {
		return fmt.Errorf("graph: mirror document %d: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument removes the document node and its chunks.
func (s *Store) DeleteDocument(ctx context.Context, documentID int64) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`MATCH (d:Document {id: $id})
		 OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		 DETACH DELETE d, c`,
		map[string]any{"id": documentID})
	if err != nil {
		return fmt.Errorf("graph: delete document %d: %w", documentID, err)
	}
	return nil
}

// Neighbors returns the chunks within window NEXT hops of the given chunk,
// ordered by chunk index, excluding the chunk itself.
func (s *Store) Neighbors(ctx context.Context, documentID int64, chunkIndex, window int) ([]Neighbor, error) {
	if window <= 0 {
		return nil, nil
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (c:Chunk {id: $id})-[:NEXT*1..%d]-(n:Chunk)
		 RETURN DISTINCT n.chunk_index AS idx, n.text AS text
		 ORDER BY idx`, window)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": chunkKey(documentID, chunkIndex)})
	if err != nil {
		return nil, fmt.Errorf("graph: neighbors: %w", err)
	}

	var out []Neighbor
	for result.Next(ctx) {
		rec := result.Record()
		idx, _, err := neo4j.GetRecordValue[int64](rec, "idx")
		if err != nil {
			return nil, fmt.Errorf("graph: neighbors: %w", err)
		}
		text, _, err := neo4j.GetRecordValue[string](rec, "text")
		if err != nil {
			return nil, fmt.Errorf("graph: neighbors: %w", err)
		}
		out = append(out, Neighbor{ChunkIndex: int(idx), Text: text})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph: neighbors: %w", err)
	}
	return out, nil
}

// Expand returns the retrieved chunk's text with its neighbours' text placed
// before and after it in document order.
func (s *Store) Expand(ctx context.Context, r domain.RetrievalResult, window int) (string, error) {
	ns, err := s.Neighbors(ctx, r.DocumentID, r.ChunkIndex, window)
	if err != nil {
		return "", err
	}
	if len(ns) == 0 {
		return r.Text, nil
	}
	parts := make([]string, 0, len(ns)+1)
	placed := false
	for _, n := range ns {
		if !placed && n.ChunkIndex > r.ChunkIndex {
			parts = append(parts, r.Text)
			placed = true
		}
		parts = append(parts, n.Text)
	}
	if !placed {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, "\n"), nil
}
