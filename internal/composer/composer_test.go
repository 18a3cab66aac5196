package composer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/blob"
	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/identity"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/skiplist"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workingmem"
	"github.com/scrypster/memento/internal/workspace"
)

type fixture struct {
	composer *Composer
	memories *memories.Service
	items    *workingmem.Service
	skips    *skiplist.Service
	identity *identity.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blob.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	memSvc, err := memories.NewService(blobs, nil, nil)
	require.NoError(t, err)
	items := workingmem.NewService(nil)
	skips := skiplist.NewService(nil)
	idn, err := identity.NewService(items, nil)
	require.NoError(t, err)
	c, err := New(memSvc, items, skips, idn, nil)
	require.NoError(t, err)
	return &fixture{composer: c, memories: memSvc, items: items, skips: skips, identity: idn}
}

func newEnv(t *testing.T, id, name string) *tenant.Env {
	t.Helper()
	store, err := workspace.Open(id, name, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &tenant.Env{
		UserID: "usr_1", Plan: control.PlanByName("free"),
		WorkspaceID: id, WorkspaceName: name, Store: store,
	}
}

func TestCompose_AllSections(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, "ws_main", "default")
	ctx := context.Background()

	_, err := f.items.Create(ctx, env, workingmem.CreateRequest{Category: "active_work", Title: "refactor auth"})
	require.NoError(t, err)
	_, err = f.memories.Create(ctx, env, memories.CreateRequest{Content: "auth uses bearer tokens", Tags: []string{"auth"}})
	require.NoError(t, err)
	_, err = f.skips.Add(ctx, env, skiplist.AddRequest{
		Item: "auth tokens", Reason: "postponed", ExpiresAt: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = f.identity.Put(ctx, env, "I maintain the auth stack.")
	require.NoError(t, err)

	resp, err := f.composer.Compose(ctx, env, Request{Message: "auth bearer tokens"})
	require.NoError(t, err)

	require.NotNil(t, resp.WorkingMemory)
	assert.Equal(t, 1, resp.WorkingMemory.Total)
	require.NotNil(t, resp.Memories)
	require.Len(t, resp.Memories.Results, 1)
	assert.Equal(t, "keyword", resp.Memories.Ranking)
	require.Len(t, resp.SkipMatches, 1)
	require.NotNil(t, resp.Identity)
	assert.Equal(t, "I maintain the auth stack.", *resp.Identity)
	assert.Equal(t, "default", resp.Meta.Workspace)
	assert.Equal(t, 1, resp.Meta.MemoryCount)
}

func TestCompose_IncludeSubset(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, "ws_main", "default")
	ctx := context.Background()

	_, err := f.memories.Create(ctx, env, memories.CreateRequest{Content: "something"})
	require.NoError(t, err)

	resp, err := f.composer.Compose(ctx, env, Request{
		Message: "something", Include: []string{IncludeWorkingMemory},
	})
	require.NoError(t, err)
	assert.NotNil(t, resp.WorkingMemory)
	assert.Nil(t, resp.Memories)
	assert.Nil(t, resp.SkipMatches)
	assert.Nil(t, resp.Identity)
}

func TestCompose_NoIdentityYet(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, "ws_main", "default")

	resp, err := f.composer.Compose(context.Background(), env, Request{})
	require.NoError(t, err)
	assert.Nil(t, resp.Identity, "missing snapshot is not an error")
}

func TestCompose_PeekReadOnly(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, "ws_main", "default")
	peekEnv := newEnv(t, "ws_peer", "second-workspace")
	ctx := context.Background()

	peeked, err := f.memories.Create(ctx, peekEnv, memories.CreateRequest{
		Content: "fluid dynamics equations govern turbulent flow",
	})
	require.NoError(t, err)

	env.Peeks = []tenant.Peek{{
		WorkspaceID: "ws_peer", WorkspaceName: "second-workspace", Store: peekEnv.Store,
	}}

	resp, err := f.composer.Compose(ctx, env, Request{
		Message: "fluid dynamics equations", Include: []string{IncludeMemories},
	})
	require.NoError(t, err)
	require.Len(t, resp.Memories.Results, 1)
	assert.Equal(t, "second-workspace", resp.Memories.Results[0].Workspace)
	assert.Equal(t, []string{"second-workspace"}, resp.Meta.Peeked)

	// The peeked workspace saw no mutation.
	time.Sleep(50 * time.Millisecond)
	got, err := peekEnv.Store.GetMemory(ctx, peeked.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount)
	n, err := peekEnv.Store.CountAccessLog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompose_MergesPeeksByScore(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, "ws_main", "default")
	peekEnv := newEnv(t, "ws_peer", "peer")
	ctx := context.Background()

	// The local memory is older, so the peer's equally-scored memory wins
	// the created-at tie-break.
	older := &workspace.Memory{
		ID: "mem_local", Content: "shared topic locally", Type: workspace.TypeFact,
		CreatedAt: time.Now().UTC().Add(-time.Hour), Relevance: 1,
	}
	require.NoError(t, env.Store.InsertMemory(ctx, older))
	_, err := f.memories.Create(ctx, peekEnv, memories.CreateRequest{Content: "shared topic remotely"})
	require.NoError(t, err)

	env.Peeks = []tenant.Peek{{WorkspaceID: "ws_peer", WorkspaceName: "peer", Store: peekEnv.Store}}

	resp, err := f.composer.Compose(ctx, env, Request{
		Message: "shared topic", Include: []string{IncludeMemories},
	})
	require.NoError(t, err)
	require.Len(t, resp.Memories.Results, 2)
	assert.Equal(t, "peer", resp.Memories.Results[0].Workspace)
}

func TestCompose_AbstentionInMemories(t *testing.T) {
	f := newFixture(t)
	env := newEnv(t, "ws_main", "default")
	ctx := context.Background()

	_, err := f.memories.Create(ctx, env, memories.CreateRequest{Content: "alpha beta"})
	require.NoError(t, err)

	resp, err := f.composer.Compose(ctx, env, Request{
		Message: "xyzzy nonexistent", Include: []string{IncludeMemories},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Memories.Results)
}
