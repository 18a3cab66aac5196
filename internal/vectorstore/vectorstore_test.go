package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/config"
)

func TestCollectionName(t *testing.T) {
	name, err := collectionName("ws_abc123")
	require.NoError(t, err)
	assert.Equal(t, "mem_ws_abc123", name)

	_, err = collectionName("has spaces")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	_, err = collectionName("")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestLocalEmbedding_DeterministicAndNormalized(t *testing.T) {
	embed := localEmbedding(64)
	ctx := context.Background()

	a, err := embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	b, err := embed(ctx, "postgres connection pooling")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	// Empty input still yields a unit vector.
	e, err := embed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), e[0])
}

func TestChromemIndex_UpsertAndSearch(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "ws_1", "mem_a", "postgres uses connection pooling", []string{"database"}))
	require.NoError(t, idx.Upsert(ctx, "ws_1", "mem_b", "the cat sat on the mat", nil))

	hits, err := idx.Search(ctx, "ws_1", "postgres pooling", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "mem_a", hits[0].MemoryID)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
}

func TestChromemIndex_LimitClampedToCollectionSize(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "ws_1", "mem_a", "only document", nil))

	// Asking for more results than documents must not error.
	hits, err := idx.Search(ctx, "ws_1", "document", 50)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemIndex_EmptyCollection(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "ws_empty", "anything", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_WorkspaceIsolation(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "ws_1", "mem_a", "secret project notes", nil))

	hits, err := idx.Search(ctx, "ws_2", "secret project", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "workspaces must not see each other's vectors")
}

func TestChromemIndex_Delete(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "ws_1", "mem_a", "short lived", nil))
	require.NoError(t, idx.Delete(ctx, "ws_1", "mem_a"))

	hits, err := idx.Search(ctx, "ws_1", "short lived", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNewIndex_Providers(t *testing.T) {
	idx, err := NewIndex(config.VectorStoreConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, NoopIndex{}, idx)

	hits, err := idx.Search(context.Background(), "ws_1", "anything", 5)
	require.NoError(t, err)
	assert.Nil(t, hits)

	_, err = NewIndex(config.VectorStoreConfig{Provider: "pinecone"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6334, cfg.Port)

	bad := QdrantConfig{Host: "h", Port: -1, VectorSize: 256}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
