package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/docrag/engine/store"
	"github.com/WessleyAI/docrag/engine/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, dim int) store.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "docrag.db"), dim)
		require.NoError(t, err)
		return s
	})
}

func TestReopenChecksDimension(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "docrag.db")

	s, err := Open(ctx, path, 8)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, 8)
	require.NoError(t, err, "same dimension reopens and skips applied migrations")
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8-dimensional")
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestOpenRejectsBadDimension(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), 0)
	assert.Error(t, err)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3e-7}
	b := encodeVector(v)
	assert.Len(t, b, 16)
	assert.Equal(t, v, decodeVector(b))
}
