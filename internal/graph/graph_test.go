package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/ids"
	"github.com/scrypster/memento/internal/workspace"
)

func newTestService(t *testing.T) (*Service, *workspace.Store) {
	t.Helper()
	store, err := workspace.Open("ws_test", "test", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc, err := NewService(store, nil)
	require.NoError(t, err)
	return svc, store
}

func insertMemory(t *testing.T, store *workspace.Store, content string, linkages ...workspace.Linkage) *workspace.Memory {
	t.Helper()
	m := &workspace.Memory{
		ID: ids.New("mem"), Content: content, Type: workspace.TypeFact,
		CreatedAt: time.Now().UTC(), Relevance: 1, Linkages: linkages,
	}
	require.NoError(t, store.InsertMemory(context.Background(), m))
	return m
}

func TestValidateLinkages(t *testing.T) {
	raw := []workspace.Linkage{
		{Type: workspace.LinkMemory, ID: "mem_1", Label: "related-to"},
		{Type: workspace.LinkItem, ID: "item_1"},
		{Type: workspace.LinkFile, Path: "docs/notes.md"},
		{Type: "url", ID: "https://example.com"}, // unknown variant
		{Type: workspace.LinkMemory},             // missing id
		{Type: workspace.LinkFile},               // missing path
	}

	valid := ValidateLinkages(raw)
	require.Len(t, valid, 3, "invalid linkages silently dropped")
	assert.Equal(t, workspace.LinkMemory, valid[0].Type)
	assert.Equal(t, "docs/notes.md", valid[2].Path)
}

func TestRelated_ForwardAndReverse(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	target := insertMemory(t, store, "target memory")
	insertMemory(t, store, "pointing at target",
		workspace.Linkage{Type: workspace.LinkMemory, ID: target.ID, Label: "expands"})
	withOut := insertMemory(t, store, "has outgoing",
		workspace.Linkage{Type: workspace.LinkFile, Path: "a/b.md", Label: "source"})

	rels, err := svc.Related(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "incoming", rels[0].Direction)
	assert.Equal(t, "expands", rels[0].Label)

	rels, err = svc.Related(ctx, withOut.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "outgoing", rels[0].Direction)
	assert.Equal(t, "a/b.md", rels[0].Target)
}

func TestRelated_SubstringIDNotConfirmed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// A memory whose content-serialized linkage merely contains the target
	// id as a substring of a different id must not count as incoming.
	target := insertMemory(t, store, "target")
	other := &workspace.Memory{
		ID: ids.New("mem"), Content: "unrelated", Type: workspace.TypeFact,
		CreatedAt: time.Now().UTC(), Relevance: 1,
		Linkages: []workspace.Linkage{{Type: workspace.LinkMemory, ID: target.ID + "x"}},
	}
	require.NoError(t, store.InsertMemory(ctx, other))

	rels, err := svc.Related(ctx, target.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestSubgraph_BFS(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// c <- b <- a -> file; d points at a (reverse edge).
	c := insertMemory(t, store, "node c")
	b := insertMemory(t, store, "node b",
		workspace.Linkage{Type: workspace.LinkMemory, ID: c.ID, Label: "next"})
	a := insertMemory(t, store, "node a",
		workspace.Linkage{Type: workspace.LinkMemory, ID: b.ID, Label: "next"},
		workspace.Linkage{Type: workspace.LinkFile, Path: "ref.md", Label: "source"})
	d := insertMemory(t, store, "node d",
		workspace.Linkage{Type: workspace.LinkMemory, ID: a.ID, Label: "expands"})

	sub, err := svc.Subgraph(ctx, a.ID, 1)
	require.NoError(t, err)

	// Depth 1: a, b (forward), d (reverse); c is two hops out.
	gotIDs := nodeIDs(sub)
	assert.ElementsMatch(t, []string{a.ID, b.ID, d.ID}, gotIDs)
	assert.Contains(t, edgeTargets(sub), "file:ref.md", "file edges synthetic, not traversed")

	sub, err = svc.Subgraph(ctx, a.ID, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID, d.ID}, nodeIDs(sub))

	// Depth on each node reflects BFS distance from the start.
	for _, n := range sub.Nodes {
		switch n.ID {
		case a.ID:
			assert.Equal(t, 0, n.Depth)
		case b.ID, d.ID:
			assert.Equal(t, 1, n.Depth)
		case c.ID:
			assert.Equal(t, 2, n.Depth)
		}
	}
}

func TestSubgraph_EdgeDeduplication(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	b := insertMemory(t, store, "target")
	// Duplicate edges on write are allowed; traversal deduplicates.
	a := insertMemory(t, store, "source",
		workspace.Linkage{Type: workspace.LinkMemory, ID: b.ID, Label: "same"},
		workspace.Linkage{Type: workspace.LinkMemory, ID: b.ID, Label: "same"},
		workspace.Linkage{Type: workspace.LinkMemory, ID: b.ID, Label: "different"})

	sub, err := svc.Subgraph(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, sub.Edges, 2, "deduplicated on (from, to, label)")
}

func TestSubgraph_FrontierEdgesPointBeyondNodeSet(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// a -> b -> c with depth 1: c is not a node, but b's edge to it is
	// kept as an unexpanded stub.
	c := insertMemory(t, store, "beyond the frontier")
	b := insertMemory(t, store, "frontier node",
		workspace.Linkage{Type: workspace.LinkMemory, ID: c.ID, Label: "next"})
	a := insertMemory(t, store, "start",
		workspace.Linkage{Type: workspace.LinkMemory, ID: b.ID, Label: "next"})

	sub, err := svc.Subgraph(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, nodeIDs(sub))
	assert.Contains(t, edgeTargets(sub), c.ID)
}

func TestSubgraph_UnreachableNeverEmitted(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	a := insertMemory(t, store, "island a")
	insertMemory(t, store, "island b")

	sub, err := svc.Subgraph(ctx, a.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, nodeIDs(sub))
}

func TestSubgraph_DanglingTargetSkipped(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	a := insertMemory(t, store, "has dangling edge",
		workspace.Linkage{Type: workspace.LinkMemory, ID: "mem_gone"})

	sub, err := svc.Subgraph(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, nodeIDs(sub))
}

func TestSubgraph_StartNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Subgraph(context.Background(), "mem_missing", 2)
	assert.ErrorIs(t, err, workspace.ErrNotFound)
}

func nodeIDs(sub *Subgraph) []string {
	out := make([]string, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		out = append(out, n.ID)
	}
	return out
}

func edgeTargets(sub *Subgraph) []string {
	out := make([]string, 0, len(sub.Edges))
	for _, e := range sub.Edges {
		out = append(out, e.To)
	}
	return out
}
