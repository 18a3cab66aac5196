package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memento/internal/workspace"
)

func mem(id, content string, created time.Time, tags ...string) workspace.Memory {
	return workspace.Memory{
		ID: id, Content: content, Type: workspace.TypeFact,
		Tags: tags, CreatedAt: created, Relevance: 1,
	}
}

func TestPrepareQuery(t *testing.T) {
	assert.Equal(t, []string{"zod", "schema"}, PrepareQuery("the zod schema!"))
	assert.Equal(t, []string{"error", "404"}, PrepareQuery("Error: 404"), "short numeric tokens survive")
	assert.Nil(t, PrepareQuery("   "))
	// All stop words: fall back to the raw token list.
	assert.Equal(t, []string{"what", "is", "the"}, PrepareQuery("what is the"))
}

func TestKeywordScore(t *testing.T) {
	m := mem("m1", "The MCP SDK uses zod for schema validation", time.Now(), "mcp", "tech")

	assert.Equal(t, 1.0, KeywordScore(&m, []string{"zod", "schema"}))
	assert.Equal(t, 0.5, KeywordScore(&m, []string{"zod", "xyzzy"}))
	assert.Equal(t, 0.0, KeywordScore(&m, []string{"xyzzy"}))
	// Tags count as tokens.
	assert.Equal(t, 1.0, KeywordScore(&m, []string{"tech"}))
	// Substring containment: "valid" appears inside "validation".
	assert.Equal(t, 1.0, KeywordScore(&m, []string{"valid"}))
	// Empty term set is decay mode.
	assert.Equal(t, 1.0, KeywordScore(&m, nil))
}

func TestKeywordMonotonicity(t *testing.T) {
	terms := []string{"alpha", "beta", "gamma"}
	superset := mem("a", "alpha beta gamma", time.Now())
	subset := mem("b", "alpha beta", time.Now())
	assert.GreaterOrEqual(t, KeywordScore(&superset, terms), KeywordScore(&subset, terms))
}

func TestRecency(t *testing.T) {
	now := time.Now()

	fresh := mem("f", "x", now)
	week := mem("w", "x", now.Add(-7*24*time.Hour))
	old := mem("o", "x", now.Add(-60*24*time.Hour))
	future := mem("fu", "x", now.Add(time.Hour))

	assert.InDelta(t, 1.0, Recency(&fresh, now), 0.01)
	assert.InDelta(t, 0.5, Recency(&week, now), 0.01, "7-day half-life")
	assert.Greater(t, Recency(&week, now), Recency(&old, now))
	assert.Greater(t, Recency(&old, now), 0.0)
	assert.Equal(t, 1.0, Recency(&future, now), "future-dated yields 1")
}

func TestAccessBoost(t *testing.T) {
	never := mem("n", "x", time.Now())
	assert.Equal(t, 1.0, AccessBoost(&never))

	prev := 1.0
	for _, count := range []int{1, 5, 50, 5000} {
		m := mem("m", "x", time.Now())
		m.AccessCount = count
		boost := AccessBoost(&m)
		assert.GreaterOrEqual(t, boost, prev, "monotonic in access count")
		assert.LessOrEqual(t, boost, 2.0, "capped at 2.0")
		prev = boost
	}
}

func TestLastAccessBoost(t *testing.T) {
	now := time.Now()

	never := mem("n", "x", now)
	assert.Equal(t, 1.0, LastAccessBoost(&never, now))

	just := mem("j", "x", now)
	ts := now.Add(-time.Minute)
	just.LastAccessedAt = &ts
	recentBoost := LastAccessBoost(&just, now)

	stale := mem("s", "x", now)
	old := now.Add(-47 * time.Hour)
	stale.LastAccessedAt = &old
	staleBoost := LastAccessBoost(&stale, now)

	expired := mem("e", "x", now)
	gone := now.Add(-72 * time.Hour)
	expired.LastAccessedAt = &gone

	assert.Greater(t, recentBoost, staleBoost)
	assert.LessOrEqual(t, recentBoost, 2.0)
	assert.Equal(t, 1.0, LastAccessBoost(&expired, now), "bonus fully decayed after the window")
}

func TestRankKeyword_OrdersByComposite(t *testing.T) {
	now := time.Now()
	newer := mem("new", "zod schema validation", now.Add(-time.Hour))
	older := mem("old", "zod schema validation", now.Add(-30*24*time.Hour))
	miss := mem("miss", "nothing relevant here", now)

	ranked := RankKeyword([]workspace.Memory{older, miss, newer}, []string{"zod", "schema"}, 0, now)
	require.Len(t, ranked, 2, "kw=0 candidates excluded")

	// Both matches carry kw=1; newer outranks older on recency.
	assert.Equal(t, "new", ranked[0].Memory.ID)
	assert.Equal(t, "old", ranked[1].Memory.ID)
}

func TestRankKeyword_RecencyMonotonicity(t *testing.T) {
	now := time.Now()
	newer := mem("new", "identical content", now.Add(-time.Hour))
	older := mem("old", "identical content", now.Add(-10*24*time.Hour))

	ranked := RankKeyword([]workspace.Memory{older, newer}, []string{"identical"}, 0, now)
	require.Len(t, ranked, 2)
	assert.Equal(t, "new", ranked[0].Memory.ID)
}

func TestRankKeyword_Abstention(t *testing.T) {
	now := time.Now()
	pool := []workspace.Memory{mem("a", "alpha beta", now)}

	ranked := RankKeyword(pool, []string{"xyzzy", "nonexistent"}, 0, now)
	assert.Empty(t, ranked, "no near-miss surfacing for concrete queries")

	// One matching term present in some candidate's content: no abstention.
	ranked = RankKeyword(pool, []string{"alpha"}, 0, now)
	assert.Len(t, ranked, 1)

	// But a single absent term among several still abstains.
	ranked = RankKeyword(pool, []string{"alpha", "xyzzy"}, 0, now)
	assert.Empty(t, ranked)
}

func TestRankKeyword_Threshold(t *testing.T) {
	now := time.Now()
	weak := mem("weak", "alpha only", now.Add(-40*24*time.Hour))
	strong := mem("strong", "alpha only", now)

	ranked := RankKeyword([]workspace.Memory{weak, strong}, []string{"alpha"}, 0.5, now)
	for _, s := range ranked {
		assert.GreaterOrEqual(t, s.Score, 0.5)
	}
	require.Len(t, ranked, 1)
	assert.Equal(t, "strong", ranked[0].Memory.ID)
}

func TestRankKeyword_DecayMode(t *testing.T) {
	now := time.Now()
	a := mem("a", "anything", now)
	b := mem("b", "something else", now.Add(-time.Hour))

	ranked := RankKeyword([]workspace.Memory{a, b}, nil, 0, now)
	assert.Len(t, ranked, 2, "empty term set ranks everything")
}

func TestMergeHybrid_Blend(t *testing.T) {
	now := time.Now()
	m1 := mem("m1", "zod schema", now)
	m2 := mem("m2", "vector only memory", now)

	keyword := []Scored{{Memory: &m1, Keyword: 1.0}}
	hits := []VectorHit{
		{MemoryID: "m1", Score: 0.8},
		{MemoryID: "m2", Score: 0.9},
		{MemoryID: "m_gone", Score: 0.99},
	}
	lookup := func(id string) *workspace.Memory {
		if id == "m2" {
			return &m2
		}
		return nil
	}

	merged := MergeHybrid(keyword, hits, 0.5, 0, lookup)
	require.Len(t, merged, 2, "unresolvable vector ids dropped")

	// m1: 0.5*1 + 0.5*0.8 = 0.9; m2: 0.5*0.9 = 0.45.
	assert.Equal(t, "m1", merged[0].Memory.ID)
	assert.InDelta(t, 0.9, merged[0].Score, 1e-9)
	assert.True(t, merged[0].HasVector)
	assert.InDelta(t, 0.45, merged[1].Score, 1e-9)

	// Blend stays in [0,1].
	for _, s := range merged {
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
	}
}

func TestMergeHybrid_TieBreakByCreation(t *testing.T) {
	now := time.Now()
	older := mem("older", "same", now.Add(-time.Hour))
	newer := mem("newer", "same", now)

	keyword := []Scored{
		{Memory: &older, Keyword: 0.8},
		{Memory: &newer, Keyword: 0.8},
	}
	merged := MergeHybrid(keyword, nil, 0.5, 0, func(string) *workspace.Memory { return nil })
	require.Len(t, merged, 2)
	assert.Equal(t, "newer", merged[0].Memory.ID)
}

func TestDecayRelevance_Bounds(t *testing.T) {
	now := time.Now()
	m := mem("m", "x", now)
	m.AccessCount = 100
	ts := now.Add(-time.Minute)
	m.LastAccessedAt = &ts

	v := DecayRelevance(&m, now)
	assert.Greater(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)

	old := mem("o", "x", now.Add(-90*24*time.Hour))
	assert.Less(t, DecayRelevance(&old, now), v)
}
