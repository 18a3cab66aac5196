package workspace

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SharesHandles(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	defer mgr.Close()

	a, err := mgr.Get("ws_1", "default", "ws_1.db")
	require.NoError(t, err)
	b, err := mgr.Get("ws_1", "default", "ws_1.db")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := mgr.Get("ws_2", "second", "ws_2.db")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
}

func TestManager_EmptyDBURLIsolatesWorkspaces(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, nil)
	require.NoError(t, err)
	defer mgr.Close()

	a, err := mgr.Get("ws_1", "first", "")
	require.NoError(t, err)
	b, err := mgr.Get("ws_2", "second", "")
	require.NoError(t, err)

	require.NoError(t, a.InsertMemory(context.Background(), newTestMemory("only in first")))

	rows, err := b.ActiveMemories(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows, "workspaces with no explicit db_url share nothing")

	// Each workspace lands in its own file under the data directory.
	assert.FileExists(t, filepath.Join(dir, "ws_1.db"))
	assert.FileExists(t, filepath.Join(dir, "ws_2.db"))
}

func TestManager_ConcurrentOpens(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	defer mgr.Close()

	stores := make([]*Store, 16)
	var wg sync.WaitGroup
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := mgr.Get("ws_1", "default", "ws_1.db")
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(stores); i++ {
		assert.Same(t, stores[0], stores[i])
	}
}

func TestManager_Evict(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	defer mgr.Close()

	a, err := mgr.Get("ws_1", "default", "ws_1.db")
	require.NoError(t, err)
	require.NoError(t, a.InsertMemory(context.Background(), newTestMemory("persisted")))

	mgr.Evict("ws_1")

	// A fresh handle sees the persisted row.
	b, err := mgr.Get("ws_1", "default", "ws_1.db")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	rows, err := b.ActiveMemories(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
