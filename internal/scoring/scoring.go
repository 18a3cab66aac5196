// Package scoring implements the memory ranking engine: keyword matching
// with recency and access decay, abstention, threshold filtering, and the
// hybrid keyword+vector blend.
package scoring

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/memento/internal/workspace"
)

// Tuning constants. Tests pin their ordering implications, not exact shapes.
const (
	// recencyHalfLife is the creation-age half-life for the recency factor.
	recencyHalfLife = 7 * 24 * time.Hour

	// lastAccessWindow is how long the last-access bonus takes to decay.
	lastAccessWindow = 48 * time.Hour

	// accessBoostCap bounds the access-count factor.
	accessBoostCap = 2.0

	// DefaultAlpha is the hybrid blend weight when recall_alpha is unset.
	DefaultAlpha = 0.5
)

// stopWords is the closed stop-word set dropped during query preparation.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "will": true, "with": true,
}

var nonWord = regexp.MustCompile(`[^\w\s]+`)

// PrepareQuery tokenizes a query: lowercase, punctuation stripped to word
// characters, split on whitespace, stop words dropped. There is no length
// filter, so short numeric tokens survive. When stop-word filtering empties
// the set, the raw token list is returned instead (degenerate-query
// safeguard).
func PrepareQuery(query string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(query), " ")
	raw := strings.Fields(cleaned)
	if len(raw) == 0 {
		return nil
	}
	filtered := make([]string, 0, len(raw))
	for _, t := range raw {
		if !stopWords[t] {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		return raw
	}
	return filtered
}

// memoryTokens returns the lowercase token set of a memory: content words
// plus tags.
func memoryTokens(m *workspace.Memory) []string {
	tokens := strings.Fields(strings.ToLower(m.Content))
	for _, tag := range m.Tags {
		tokens = append(tokens, strings.ToLower(tag))
	}
	return tokens
}

// KeywordScore is the fraction of prepared query terms that appear as a
// substring of any memory token. An empty term set scores 1 (decay-mode
// ranking).
func KeywordScore(m *workspace.Memory, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	tokens := memoryTokens(m)
	matched := 0
	for _, term := range terms {
		for _, tok := range tokens {
			if strings.Contains(tok, term) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(terms))
}

// Recency is the creation-age decay factor, clamped to (0, 1]. Future-dated
// memories yield 1.
func Recency(m *workspace.Memory, now time.Time) float64 {
	age := now.Sub(m.CreatedAt)
	if age <= 0 {
		return 1
	}
	rec := math.Exp2(-age.Hours() / recencyHalfLife.Hours())
	if rec <= 0 {
		return math.SmallestNonzeroFloat64
	}
	return rec
}

// AccessBoost grows with access count and is capped at 2.0.
func AccessBoost(m *workspace.Memory) float64 {
	boost := 1 + math.Log1p(float64(m.AccessCount))/4
	return math.Min(boost, accessBoostCap)
}

// LastAccessBoost adds a bounded bonus that is maximal just after an access
// and fades to nothing over the last-access window. Never-accessed memories
// get the neutral factor 1.
func LastAccessBoost(m *workspace.Memory, now time.Time) float64 {
	if m.LastAccessedAt == nil {
		return 1
	}
	age := now.Sub(*m.LastAccessedAt)
	if age <= 0 {
		return 2
	}
	bonus := 1 - age.Hours()/lastAccessWindow.Hours()
	if bonus < 0 {
		bonus = 0
	}
	return 1 + bonus
}

// DecayRelevance is the query-free relevance recomputed by the decay worker:
// rec * acc * last, normalized into [0, 1].
func DecayRelevance(m *workspace.Memory, now time.Time) float64 {
	v := Recency(m, now) * AccessBoost(m) * LastAccessBoost(m, now) / (accessBoostCap * 2)
	return math.Min(v, 1)
}

// Scored pairs a memory with its ranking signals.
type Scored struct {
	Memory *workspace.Memory

	// Score is the value the final ordering uses: the composite in
	// keyword mode, the alpha blend in hybrid mode.
	Score float64

	// Keyword is the raw keyword subscore in [0, 1].
	Keyword float64

	// Vector is the semantic subscore in [0, 1]; only set in hybrid mode.
	Vector float64

	// HasVector reports whether the semantic backend scored this memory.
	HasVector bool
}

// RankKeyword ranks candidates for prepared terms by the composite score
// kw * rec * acc * last.
//
// Memories with a zero keyword score are excluded unless the term set is
// empty. The abstention rule applies first: for a non-empty term set, if any
// term is absent from every candidate's content, the ranking is empty —
// concrete queries do not surface weak best-matches. Results under threshold
// are dropped last.
func RankKeyword(candidates []workspace.Memory, terms []string, threshold float64, now time.Time) []Scored {
	if len(terms) > 0 && abstain(candidates, terms) {
		return nil
	}

	out := make([]Scored, 0, len(candidates))
	for i := range candidates {
		m := &candidates[i]
		kw := KeywordScore(m, terms)
		if kw == 0 && len(terms) > 0 {
			continue
		}
		score := kw * Recency(m, now) * AccessBoost(m) * LastAccessBoost(m, now)
		if score < threshold {
			continue
		}
		out = append(out, Scored{Memory: m, Score: score, Keyword: kw})
	}
	sortScored(out)
	return out
}

// abstain reports whether any prepared term is missing from every
// candidate's content.
func abstain(candidates []workspace.Memory, terms []string) bool {
	for _, term := range terms {
		found := false
		for i := range candidates {
			if strings.Contains(strings.ToLower(candidates[i].Content), term) {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

// VectorHit is one semantic-backend result.
type VectorHit struct {
	MemoryID string
	Score    float64
}

// MergeHybrid blends keyword results with vector hits: for every candidate
// in the union, final = alpha*kw + (1-alpha)*vec. Candidates only the vector
// backend surfaced are resolved through lookup; unresolvable ids are
// dropped. Threshold applies to the blended score. Ties break by creation
// time descending.
func MergeHybrid(keyword []Scored, hits []VectorHit, alpha, threshold float64,
	lookup func(id string) *workspace.Memory) []Scored {

	byID := make(map[string]*Scored, len(keyword))
	merged := make([]Scored, 0, len(keyword)+len(hits))
	for _, s := range keyword {
		s.Score = alpha * s.Keyword
		merged = append(merged, s)
		byID[s.Memory.ID] = &merged[len(merged)-1]
	}

	for _, hit := range hits {
		if s, ok := byID[hit.MemoryID]; ok {
			s.Vector = hit.Score
			s.HasVector = true
			s.Score += (1 - alpha) * hit.Score
			continue
		}
		m := lookup(hit.MemoryID)
		if m == nil {
			continue
		}
		merged = append(merged, Scored{
			Memory:    m,
			Score:     (1 - alpha) * hit.Score,
			Vector:    hit.Score,
			HasVector: true,
		})
	}

	out := merged[:0]
	for _, s := range merged {
		if s.Score >= threshold {
			out = append(out, s)
		}
	}
	sortScored(out)
	return out
}

func sortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].Memory.CreatedAt.After(s[j].Memory.CreatedAt)
	})
}
