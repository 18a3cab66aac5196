package crypto

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memKeyStore is an in-memory WrappedKeyStore that counts reads.
type memKeyStore struct {
	mu    sync.Mutex
	blobs map[string]string
	reads atomic.Int64
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{blobs: make(map[string]string)}
}

func (s *memKeyStore) WrappedKey(_ context.Context, workspaceID string) (string, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[workspaceID], nil
}

func (s *memKeyStore) SetWrappedKey(_ context.Context, workspaceID, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[workspaceID] = blob
	return nil
}

func TestKeyCache_ProvisionsOnFirstUse(t *testing.T) {
	store := newMemKeyStore()
	cache, err := NewKeyCache(testKey(t), store, nil)
	require.NoError(t, err)

	key, err := cache.WorkspaceKey(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	store.mu.Lock()
	blob := store.blobs["ws_1"]
	store.mu.Unlock()
	assert.NotEmpty(t, blob, "wrapped key persisted on first use")
}

func TestKeyCache_Coherence(t *testing.T) {
	store := newMemKeyStore()
	cache, err := NewKeyCache(testKey(t), store, nil)
	require.NoError(t, err)

	first, err := cache.WorkspaceKey(context.Background(), "ws_1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := cache.WorkspaceKey(context.Background(), "ws_1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestKeyCache_UnwrapsExistingBlob(t *testing.T) {
	master := testKey(t)
	dataKey := testKey(t)
	blob, err := WrapKey(dataKey, master)
	require.NoError(t, err)

	store := newMemKeyStore()
	store.blobs["ws_1"] = blob

	cache, err := NewKeyCache(master, store, nil)
	require.NoError(t, err)

	key, err := cache.WorkspaceKey(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, dataKey, key)
}

func TestKeyCache_SingleFlightOnMiss(t *testing.T) {
	store := newMemKeyStore()
	cache, err := NewKeyCache(testKey(t), store, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	keys := make([][]byte, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := cache.WorkspaceKey(context.Background(), "ws_1")
			assert.NoError(t, err)
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for i := 1; i < 16; i++ {
		assert.Equal(t, keys[0], keys[i], "all callers see the same key")
	}
}

func TestKeyCache_InvalidateIsTestHook(t *testing.T) {
	store := newMemKeyStore()
	cache, err := NewKeyCache(testKey(t), store, nil)
	require.NoError(t, err)

	first, err := cache.WorkspaceKey(context.Background(), "ws_1")
	require.NoError(t, err)

	cache.Invalidate("ws_1")

	// Re-materialized from the persisted blob, so the value is stable.
	again, err := cache.WorkspaceKey(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
