package distill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/blob"
	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

type cannedCompleter struct {
	out    string
	err    error
	prompt string
}

func (c *cannedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.prompt = prompt
	return c.out, c.err
}

func newTestEnv(t *testing.T, completer *cannedCompleter) (*Service, *tenant.Env) {
	t.Helper()
	store, err := workspace.Open("ws_test", "default", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blob.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	memSvc, err := memories.NewService(blobs, nil, nil)
	require.NoError(t, err)

	var svc *Service
	if completer != nil {
		svc, err = NewService(completer, memSvc, nil)
	} else {
		svc, err = NewService(nil, memSvc, nil)
	}
	require.NoError(t, err)

	return svc, &tenant.Env{
		UserID: "usr_1", Plan: control.PlanByName("free"),
		WorkspaceID: "ws_test", WorkspaceName: "default", Store: store,
	}
}

func TestDistill_StoresCandidates(t *testing.T) {
	completer := &cannedCompleter{out: `[
		{"content": "The team deploys on Fridays", "type": "fact", "tags": ["Process", "deploys", "team", "extra"]},
		{"content": "", "type": "fact"},
		{"content": "Prefer squash merges", "type": "preference", "tags": ["git"]}
	]`}
	svc, env := newTestEnv(t, completer)
	ctx := context.Background()

	n, err := svc.Distill(ctx, env, "long conversation about release process")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "blank candidates skipped")

	stored, err := env.Store.ActiveMemories(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, m := range stored {
		assert.Contains(t, m.Tags, "source:distill")
	}

	// Tag cap applies before the source tag.
	var first *workspace.Memory
	for i := range stored {
		if stored[i].Content == "The team deploys on Fridays" {
			first = &stored[i]
		}
	}
	require.NotNil(t, first)
	assert.Equal(t, []string{"process", "deploys", "team", "source:distill"}, first.Tags)
}

func TestDistill_ToleratesNoisyOutput(t *testing.T) {
	fenced := "```json\n[{\"content\": \"wrapped in a fence\", \"type\": \"fact\"}]\n```"
	svc, env := newTestEnv(t, &cannedCompleter{out: fenced})
	n, err := svc.Distill(context.Background(), env, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chatty := "Sure! Here are the memories:\n[{\"content\": \"buried in prose\", \"type\": \"fact\"}]\nHope this helps."
	svc2, env2 := newTestEnv(t, &cannedCompleter{out: chatty})
	n, err = svc2.Distill(context.Background(), env2, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	svc3, env3 := newTestEnv(t, &cannedCompleter{out: "no json here at all"})
	n, err = svc3.Distill(context.Background(), env3, "t")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDistill_DegradesOnFailure(t *testing.T) {
	svc, env := newTestEnv(t, &cannedCompleter{err: errors.New("provider down")})
	n, err := svc.Distill(context.Background(), env, "t")
	require.NoError(t, err, "llm failure is not a request failure")
	assert.Zero(t, n)

	// No completer configured at all.
	svc2, env2 := newTestEnv(t, nil)
	n, err = svc2.Distill(context.Background(), env2, "t")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDistill_Validation(t *testing.T) {
	svc, env := newTestEnv(t, nil)
	_, err := svc.Distill(context.Background(), env, "  ")
	assert.ErrorIs(t, err, tenant.ErrValidation)
}

func TestDistill_DedupContextInPrompt(t *testing.T) {
	completer := &cannedCompleter{out: "[]"}
	svc, env := newTestEnv(t, completer)
	ctx := context.Background()

	m := &workspace.Memory{
		ID: "mem_existing", Content: "already known fact", Type: workspace.TypeFact,
		CreatedAt: time.Now().UTC(), Relevance: 1,
	}
	require.NoError(t, env.Store.InsertMemory(ctx, m))

	_, err := svc.Distill(ctx, env, "transcript text")
	require.NoError(t, err)
	assert.Contains(t, completer.prompt, "already known fact")
	assert.Contains(t, completer.prompt, "transcript text")
}

func TestParseCandidates_Caps(t *testing.T) {
	out := parseCandidates(`[{"content":"a"},{"content":"b"}]`)
	assert.Len(t, out, 2)
	assert.Nil(t, parseCandidates(""))
}
