package control

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateUser_AndAuthenticate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	user, cred, err := store.CreateUser(ctx, "agent@example.com", "Agent", "free", "hash-abc", "mk_12ab")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, user.ID, cred.UserID)

	gotUser, gotCred, err := store.Authenticate(ctx, "hash-abc")
	require.NoError(t, err)
	assert.Equal(t, user.ID, gotUser.ID)
	assert.Equal(t, cred.ID, gotCred.ID)
	assert.Equal(t, "free", gotUser.Plan)
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateUser(ctx, "dup@example.com", "", "free", "hash-1", "p1")
	require.NoError(t, err)

	_, _, err = store.CreateUser(ctx, "dup@example.com", "", "free", "hash-2", "p2")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestAuthenticate_ConcurrentWithTouch(t *testing.T) {
	// File-backed: lock contention does not occur on :memory:.
	store, err := Open(filepath.Join(t.TempDir(), "control.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, cred, err := store.CreateUser(ctx, "busy@example.com", "", "free", "hash-busy", "p")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := store.Authenticate(ctx, "hash-busy")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.TouchCredential(ctx, cred.ID))
		}()
	}
	wg.Wait()
}

func TestAuthenticate_UnknownHash(t *testing.T) {
	store := openTestStore(t)

	_, _, err := store.Authenticate(context.Background(), "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticate_Revoked(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, cred, err := store.CreateUser(ctx, "r@example.com", "", "free", "hash-r", "p")
	require.NoError(t, err)
	require.NoError(t, store.RevokeCredential(ctx, cred.ID))

	_, _, err = store.Authenticate(ctx, "hash-r")
	assert.ErrorIs(t, err, ErrCredentialRevoked)
}

func TestWorkspaceRegistry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	user, _, err := store.CreateUser(ctx, "w@example.com", "", "free", "hash-w", "p")
	require.NoError(t, err)

	ws, err := store.CreateWorkspace(ctx, user.ID, "default", "default.db", "")
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)

	// Unique per (user, name).
	_, err = store.CreateWorkspace(ctx, user.ID, "default", "other.db", "")
	assert.ErrorIs(t, err, ErrWorkspaceExists)

	got, err := store.GetWorkspace(ctx, user.ID, "default")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)

	_, err = store.GetWorkspace(ctx, user.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := store.CountWorkspaces(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := store.ListWorkspaces(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteWorkspace(ctx, user.ID, ws.ID))
	assert.ErrorIs(t, store.DeleteWorkspace(ctx, user.ID, ws.ID), ErrNotFound)
}

func TestWrappedKeyStorage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	user, _, err := store.CreateUser(ctx, "k@example.com", "", "free", "hash-k", "p")
	require.NoError(t, err)
	ws, err := store.CreateWorkspace(ctx, user.ID, "default", "default.db", "")
	require.NoError(t, err)

	blob, err := store.WrappedKey(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, blob)

	require.NoError(t, store.SetWrappedKey(ctx, ws.ID, "blob-value"))

	blob, err = store.WrappedKey(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "blob-value", blob)

	_, err = store.WrappedKey(ctx, "ws_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlanByName(t *testing.T) {
	free := PlanByName("free")
	assert.Equal(t, 1000, free.MemoryLimit)
	assert.False(t, free.Unlimited(free.MemoryLimit))

	full := PlanByName("full")
	assert.True(t, full.Unlimited(full.MemoryLimit))

	// Unknown plans fall back to free.
	assert.Equal(t, "free", PlanByName("platinum").Name)
}
