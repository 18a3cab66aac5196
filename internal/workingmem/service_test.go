package workingmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/crypto"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

func newTestEnv(t *testing.T) (*Service, *tenant.Env) {
	t.Helper()
	store, err := workspace.Open("ws_test", "default", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewService(nil), &tenant.Env{
		UserID: "usr_1", Plan: control.PlanByName("free"),
		WorkspaceID: "ws_test", WorkspaceName: "default", Store: store,
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, env := newTestEnv(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, env, CreateRequest{Category: "active_work"})
	assert.ErrorIs(t, err, tenant.ErrValidation, "title required")

	_, err = svc.Create(ctx, env, CreateRequest{Category: "todo", Title: "x"})
	assert.ErrorIs(t, err, tenant.ErrValidation, "unknown category")

	_, err = svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "x", Status: "zombie"})
	assert.ErrorIs(t, err, tenant.ErrValidation, "unknown status")

	it, err := svc.Create(ctx, env, CreateRequest{
		Category: "Active_Work", Title: "ship the migration", Priority: 3,
		Tags: []string{"DB"}, NextAction: "run backfill",
	})
	require.NoError(t, err)
	assert.Equal(t, workspace.CategoryActiveWork, it.Category)
	assert.Equal(t, workspace.StatusActive, it.Status)
	assert.Equal(t, []string{"db"}, it.Tags)
	assert.False(t, it.CreatedAt.IsZero())
}

func TestCreate_QuotaExcludesArchived(t *testing.T) {
	svc, env := newTestEnv(t)
	env.Plan = control.Plan{Name: "tiny", ItemLimit: 1}
	ctx := context.Background()

	_, err := svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "one"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "two"})
	var qe *tenant.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "items", qe.Resource)

	// Archived items do not count against the quota.
	_, err = svc.Create(ctx, env, CreateRequest{Category: "session_note", Title: "old", Status: "archived"})
	require.NoError(t, err)
}

func TestUpdate_TouchesTimestamps(t *testing.T) {
	svc, env := newTestEnv(t)
	ctx := context.Background()

	it, err := svc.Create(ctx, env, CreateRequest{Category: "waiting_for", Title: "review"})
	require.NoError(t, err)

	status := "completed"
	got, err := svc.Update(ctx, env, it.ID, UpdateRequest{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusCompleted, got.Status)
	assert.Equal(t, "review", got.Title, "unset fields untouched")
	assert.False(t, got.UpdatedAt.Before(it.UpdatedAt))

	_, err = svc.Update(ctx, env, "item_missing", UpdateRequest{})
	assert.ErrorIs(t, err, workspace.ErrNotFound)
}

func TestList_QueryPostDecryption(t *testing.T) {
	svc, env := newTestEnv(t)
	key, err := crypto.NewKey()
	require.NoError(t, err)
	env.Key = key
	ctx := context.Background()

	_, err = svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "rotate signing keys"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "write release notes"})
	require.NoError(t, err)

	// The stored titles are ciphertext, so matching must happen after
	// decryption.
	raw, err := env.Store.ListItems(ctx, workspace.ItemFilter{})
	require.NoError(t, err)
	for _, it := range raw {
		assert.True(t, crypto.IsEncrypted(it.Title))
	}

	items, err := svc.List(ctx, env, ListRequest{Query: "signing"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "rotate signing keys", items[0].Title)
}

func TestList_ExcludesArchivedByDefault(t *testing.T) {
	svc, env := newTestEnv(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "live"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "done", Status: "archived"})
	require.NoError(t, err)

	items, err := svc.List(ctx, env, ListRequest{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "live", items[0].Title)

	items, err = svc.List(ctx, env, ListRequest{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestSections(t *testing.T) {
	svc, env := newTestEnv(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "a"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, env, CreateRequest{Category: "waiting_for", Title: "b", Status: "paused"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, env, CreateRequest{Category: "session_note", Title: "c", Status: "completed"})
	require.NoError(t, err)

	sections, err := svc.Sections(ctx, env)
	require.NoError(t, err)
	require.Len(t, sections, len(workspace.ItemCategories))

	byName := make(map[string][]workspace.Item)
	for _, s := range sections {
		byName[s.Name] = s.Items
	}
	assert.Len(t, byName["active-work"], 1)
	assert.Len(t, byName["waiting-for"], 1, "paused items are shown")
	assert.Empty(t, byName["session-notes"], "completed items are not")
}

func TestReplaceSection(t *testing.T) {
	svc, env := newTestEnv(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, env, CreateRequest{Category: "active_work", Title: "stale"})
	require.NoError(t, err)

	items, err := svc.ReplaceSection(ctx, env, "active-work", []string{"fresh one", "", "fresh two"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	current, err := svc.SectionItems(ctx, env, "active-work")
	require.NoError(t, err)
	titles := make([]string, 0, len(current))
	for _, it := range current {
		titles = append(titles, it.Title)
	}
	assert.ElementsMatch(t, []string{"fresh one", "fresh two"}, titles)

	_, err = svc.ReplaceSection(ctx, env, "no-such-section", nil)
	assert.ErrorIs(t, err, tenant.ErrValidation)
}
