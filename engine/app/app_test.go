package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/docrag/engine/config"
	"github.com/WessleyAI/docrag/engine/store"
	"github.com/WessleyAI/docrag/engine/store/sqlite"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func localConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.UploadFolder = filepath.Join(dir, "uploads")
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(dir, "docrag.db")
	cfg.Embedding.Backend = "ollama"
	cfg.Embedding.Model = "all-minilm"
	cfg.Embedding.Dimension = 384
	cfg.Generation.Backend = "ollama"
	cfg.Generation.Model = "llama3.2"
	return cfg
}

func TestBuildLocal(t *testing.T) {
	cfg := localConfig(t)
	a, err := Build(context.Background(), cfg, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.NotNil(t, a.RAG)
	assert.NotNil(t, a.Ingest)
	assert.Nil(t, a.Graph)
	assert.Nil(t, a.NATS)
	assert.Equal(t, 384, a.Store.Dimension())
	assert.Equal(t, "ollama", a.Generator.Name())
}

func TestBuildRejectsDimensionMismatch(t *testing.T) {
	cfg := localConfig(t)
	s, err := sqlite.Open(context.Background(), cfg.Store.SQLitePath, 384)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.Embedding.Dimension = 768
	_, err = Build(context.Background(), cfg, quiet)
	require.ErrorIs(t, err, store.ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "384-dimensional")
}

func TestBuildOpensStoreAtEmbedderDimension(t *testing.T) {
	cfg := localConfig(t)
	cfg.Embedding.Dimension = 768
	a, err := Build(context.Background(), cfg, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.Equal(t, a.Embedder.Dimension(), a.Store.Dimension())
	assert.Equal(t, 768, a.Store.Dimension())
}

func TestBuildUnknownStore(t *testing.T) {
	cfg := localConfig(t)
	cfg.Store.Backend = "mongo"
	_, err := Build(context.Background(), cfg, quiet)
	assert.ErrorContains(t, err, `unknown store backend "mongo"`)
}

func TestBuildSkipsUnreachableNATS(t *testing.T) {
	cfg := localConfig(t)
	cfg.Messaging.NATSURL = "nats://127.0.0.1:1"
	a, err := Build(context.Background(), cfg, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	assert.Nil(t, a.NATS)
}

func TestRAGOptions(t *testing.T) {
	g := config.Default().Generation
	opts := RAGOptions(g)
	assert.Equal(t, 5, opts.TopK)
	assert.Equal(t, 0.3, opts.MinSimilarity)
	assert.Equal(t, 20, opts.HistoryLimit)
	assert.Zero(t, opts.ExpandWindow)

	g.ExpandNeighbors = true
	assert.Equal(t, 1, RAGOptions(g).ExpandWindow)
}
