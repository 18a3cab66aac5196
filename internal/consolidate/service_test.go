package consolidate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/ids"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

// cannedCompleter returns a fixed synthesis, or an error.
type cannedCompleter struct {
	out string
	err error
}

func (c *cannedCompleter) Complete(context.Context, string) (string, error) {
	return c.out, c.err
}

func newTestEnv(t *testing.T, svc *Service) (*Service, *tenant.Env) {
	t.Helper()
	store, err := workspace.Open("ws_test", "default", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if svc == nil {
		svc = NewService(nil, nil, nil)
	}
	return svc, &tenant.Env{
		UserID: "usr_1", Plan: control.PlanByName("free"),
		WorkspaceID: "ws_test", WorkspaceName: "default", Store: store,
	}
}

func insert(t *testing.T, env *tenant.Env, content string, tags ...string) *workspace.Memory {
	t.Helper()
	m := &workspace.Memory{
		ID: ids.New("mem"), Content: content, Type: workspace.TypeFact,
		Tags: workspace.NormalizeTags(tags), CreatedAt: time.Now().UTC(), Relevance: 1,
	}
	require.NoError(t, env.Store.InsertMemory(context.Background(), m))
	return m
}

func TestGroups_SharedTagComponents(t *testing.T) {
	mems := []workspace.Memory{
		{ID: "a", Tags: []string{"go", "db"}},
		{ID: "b", Tags: []string{"db"}},
		{ID: "c", Tags: []string{"go"}},
		{ID: "d", Tags: []string{"ui"}},
		{ID: "e"}, // untagged, ignored
	}

	groups := Groups(mems)
	require.Len(t, groups, 2)

	sizes := []int{len(groups[0]), len(groups[1])}
	assert.ElementsMatch(t, []int{3, 1}, sizes)

	// a, b, c are one component through the transitive shared-tag relation.
	var big []*workspace.Memory
	for _, g := range groups {
		if len(g) == 3 {
			big = g
		}
	}
	got := []string{big[0].ID, big[1].ID, big[2].ID}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestRun_TemplateSynthesis(t *testing.T) {
	svc, env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		insert(t, env, fmt.Sprintf("Consolidatable xyzzy item %d", i), "consolidatable")
	}
	insert(t, env, "unrelated", "other")

	res, err := svc.Run(ctx, env)
	require.NoError(t, err)
	require.Len(t, res.Consolidations, 1)

	cr := res.Consolidations[0]
	assert.Equal(t, 3, cr.SourceCount)
	assert.Equal(t, workspace.SynthesisTemplate, cr.Method)
	assert.Contains(t, cr.Summary, "3 memories consolidated")
	assert.Contains(t, cr.Summary, "Consolidatable xyzzy item 0")

	// Sources are flagged, the target carries reverse edges.
	target, err := env.Store.GetMemory(ctx, cr.MemoryID)
	require.NoError(t, err)
	assert.False(t, target.Consolidated)
	labels := 0
	for _, l := range target.Linkages {
		if l.Label == LabelConsolidatedFrom {
			labels++
		}
	}
	assert.Equal(t, 3, labels)

	active, err := env.Store.ActiveMemories(ctx)
	require.NoError(t, err)
	contents := make([]string, 0, len(active))
	for _, m := range active {
		contents = append(contents, m.ID)
	}
	assert.Contains(t, contents, cr.MemoryID)
	assert.Len(t, contents, 2, "target plus the unrelated memory")

	// A re-run finds no new groups.
	res, err = svc.Run(ctx, env)
	require.NoError(t, err)
	assert.Zero(t, res.GroupsFound)
}

func TestRun_AISynthesisWithFallback(t *testing.T) {
	completer := &cannedCompleter{out: "A cohesive synthesis of the group."}
	svc, env := newTestEnv(t, NewService(completer, nil, nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		insert(t, env, fmt.Sprintf("note %d", i), "shared")
	}

	res, err := svc.Run(ctx, env)
	require.NoError(t, err)
	require.Len(t, res.Consolidations, 1)
	assert.Equal(t, workspace.SynthesisAI, res.Consolidations[0].Method)
	assert.Equal(t, "A cohesive synthesis of the group.", res.Consolidations[0].Summary)
}

func TestRun_FallsBackOnLLMError(t *testing.T) {
	completer := &cannedCompleter{err: errors.New("provider down")}
	svc, env := newTestEnv(t, NewService(completer, nil, nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		insert(t, env, fmt.Sprintf("note %d", i), "shared")
	}

	res, err := svc.Run(ctx, env)
	require.NoError(t, err)
	require.Len(t, res.Consolidations, 1)
	assert.Equal(t, workspace.SynthesisTemplate, res.Consolidations[0].Method)
}

func TestRun_SumsAccessCountsAndInheritsLinkages(t *testing.T) {
	svc, env := newTestEnv(t, nil)
	ctx := context.Background()

	outside := insert(t, env, "outside the group")
	var members []*workspace.Memory
	for i := 0; i < 3; i++ {
		m := insert(t, env, fmt.Sprintf("grouped %d", i), "grp")
		members = append(members, m)
	}
	members[0].Linkages = []workspace.Linkage{
		{Type: workspace.LinkMemory, ID: outside.ID, Label: "ref"},
		{Type: workspace.LinkMemory, ID: members[1].ID, Label: "intra"},
	}
	members[1].Linkages = []workspace.Linkage{
		{Type: workspace.LinkMemory, ID: outside.ID, Label: "ref"}, // duplicate
		{Type: workspace.LinkFile, Path: "notes.md"},
	}
	require.NoError(t, env.Store.UpdateMemory(ctx, members[0]))
	require.NoError(t, env.Store.UpdateMemory(ctx, members[1]))
	require.NoError(t, env.Store.MarkAccessed(ctx, members[0].ID, "q"))
	require.NoError(t, env.Store.MarkAccessed(ctx, members[0].ID, "q"))
	require.NoError(t, env.Store.MarkAccessed(ctx, members[2].ID, "q"))

	res, err := svc.Run(ctx, env)
	require.NoError(t, err)
	require.Len(t, res.Consolidations, 1)

	target, err := env.Store.GetMemory(ctx, res.Consolidations[0].MemoryID)
	require.NoError(t, err)
	assert.Equal(t, 3, target.AccessCount, "summed from sources")

	var inherited []workspace.Linkage
	for _, l := range target.Linkages {
		if l.Label != LabelConsolidatedFrom {
			inherited = append(inherited, l)
		}
	}
	require.Len(t, inherited, 2, "duplicates and intra-group edges dropped")
	assert.Equal(t, outside.ID, inherited[0].ID)
	assert.Equal(t, "notes.md", inherited[1].Path)
}

func TestMerge_Validation(t *testing.T) {
	svc, env := newTestEnv(t, nil)
	ctx := context.Background()

	a := insert(t, env, "first", "t")
	b := insert(t, env, "second", "t")

	_, err := svc.Merge(ctx, env, MergeRequest{SourceIDs: []string{a.ID}})
	assert.ErrorIs(t, err, tenant.ErrValidation)

	_, err = svc.Merge(ctx, env, MergeRequest{SourceIDs: []string{a.ID, "mem_missing"}})
	assert.ErrorIs(t, err, tenant.ErrValidation)

	// First merge succeeds; re-merging a consolidated source is rejected.
	cr, err := svc.Merge(ctx, env, MergeRequest{
		SourceIDs: []string{a.ID, b.ID},
		Summary:   "agent wrote this",
		Type:      "decision",
		ExtraTags: []string{"merged"},
	})
	require.NoError(t, err)
	assert.Equal(t, workspace.SynthesisAI, cr.Method)
	assert.Contains(t, cr.Tags, "merged")

	target, err := env.Store.GetMemory(ctx, cr.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, workspace.TypeDecision, target.Type)

	c := insert(t, env, "third", "t")
	_, err = svc.Merge(ctx, env, MergeRequest{SourceIDs: []string{a.ID, c.ID}})
	assert.ErrorIs(t, err, tenant.ErrValidation)
}

func TestModalType(t *testing.T) {
	group := []*workspace.Memory{
		{Type: workspace.TypeFact},
		{Type: workspace.TypeDecision},
		{Type: workspace.TypeDecision},
	}
	assert.Equal(t, workspace.TypeDecision, modalType(group))

	// Tie breaks by first seen.
	tie := []*workspace.Memory{
		{Type: workspace.TypeObservation},
		{Type: workspace.TypeFact},
	}
	assert.Equal(t, workspace.TypeObservation, modalType(tie))
}
