// Package composer assembles the single agent-facing context response:
// working memory, ranked memories with optional cross-workspace peeks, skip
// matches, and the identity crystal.
package composer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/identity"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/skiplist"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workingmem"
	"github.com/scrypster/memento/internal/workspace"
)

// Section names accepted in a request's include set.
const (
	IncludeWorkingMemory = "working_memory"
	IncludeMemories      = "memories"
	IncludeSkipList      = "skip_list"
	IncludeIdentity      = "identity"
)

// Request parameterizes one context composition. An empty Include set means
// all sections.
type Request struct {
	Message string
	Include []string
	Limit   int
}

// MemoryResult is one ranked memory in the response, tagged with its
// originating workspace when peeked.
type MemoryResult struct {
	Memory       *workspace.Memory `json:"memory"`
	Score        float64           `json:"score"`
	KeywordScore float64           `json:"keyword_score"`
	VectorScore  float64           `json:"vector_score,omitempty"`
	Workspace    string            `json:"workspace,omitempty"`
}

// MemorySection is the ranked-memories section.
type MemorySection struct {
	Results []MemoryResult `json:"results"`
	Ranking string         `json:"ranking"`
	Terms   []string       `json:"query_terms,omitempty"`
}

// WorkingMemorySection is the working-memory section.
type WorkingMemorySection struct {
	Items []workspace.Item `json:"items"`
	Total int              `json:"total"`
}

// Meta is the always-present response metadata.
type Meta struct {
	Workspace   string    `json:"workspace"`
	UpdatedAt   time.Time `json:"updated_at"`
	MemoryCount int       `json:"memory_count,omitempty"`
	Peeked      []string  `json:"peeked_workspaces,omitempty"`
}

// Response is the composed context.
type Response struct {
	WorkingMemory *WorkingMemorySection `json:"working_memory,omitempty"`
	Memories      *MemorySection        `json:"memories,omitempty"`
	SkipMatches   []workspace.SkipEntry `json:"skip_matches,omitempty"`
	Identity      *string               `json:"identity,omitempty"`
	Meta          Meta                  `json:"meta"`
}

// Composer fans out over the section services.
type Composer struct {
	memories *memories.Service
	items    *workingmem.Service
	skips    *skiplist.Service
	identity *identity.Service
	logger   *zap.Logger
}

// New creates the composer.
func New(mem *memories.Service, items *workingmem.Service, skips *skiplist.Service,
	idn *identity.Service, logger *zap.Logger) (*Composer, error) {
	if mem == nil || items == nil || skips == nil || idn == nil {
		return nil, fmt.Errorf("all section services are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{memories: mem, items: items, skips: skips, identity: idn, logger: logger}, nil
}

// Compose builds the context response. Peek workspaces resolved on the Env
// are queried read-only and in parallel; their results merge into the final
// ranking by score descending, created descending on ties.
func (c *Composer) Compose(ctx context.Context, env *tenant.Env, req Request) (*Response, error) {
	include := includeSet(req.Include)
	resp := &Response{
		Meta: Meta{Workspace: env.WorkspaceName, UpdatedAt: time.Now().UTC()},
	}

	if include[IncludeWorkingMemory] {
		items, err := c.items.ActiveItems(ctx, env)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []workspace.Item{}
		}
		resp.WorkingMemory = &WorkingMemorySection{Items: items, Total: len(items)}
	}

	if include[IncludeMemories] {
		section, peeked, err := c.composeMemories(ctx, env, req)
		if err != nil {
			return nil, err
		}
		resp.Memories = section
		resp.Meta.MemoryCount = len(section.Results)
		resp.Meta.Peeked = peeked
	}

	if include[IncludeSkipList] && req.Message != "" {
		matches, err := c.skips.Matches(ctx, env, req.Message)
		if err != nil {
			return nil, err
		}
		resp.SkipMatches = matches
	}

	if include[IncludeIdentity] {
		snap, err := c.identity.Latest(ctx, env)
		switch {
		case errors.Is(err, workspace.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			resp.Identity = &snap.Crystal
		}
	}

	return resp, nil
}

// composeMemories runs the recall pipeline locally (with access tracking)
// and over every peek workspace (read-only), then merges.
func (c *Composer) composeMemories(ctx context.Context, env *tenant.Env, req Request) (*MemorySection, []string, error) {
	recallReq := memories.RecallRequest{
		Query:       req.Message,
		Limit:       req.Limit,
		TrackAccess: true,
	}
	limit := recallReq.Limit
	if limit <= 0 {
		limit = memories.DefaultRecallLimit
	}

	local, err := c.memories.Recall(ctx, env, recallReq)
	if err != nil {
		return nil, nil, err
	}

	results := make([]MemoryResult, 0, len(local.Results))
	for _, r := range local.Results {
		results = append(results, MemoryResult{
			Memory: r.Memory, Score: r.Score,
			KeywordScore: r.KeywordScore, VectorScore: r.VectorScore,
		})
	}

	// Peek fan-out. Failures in a peer workspace degrade to skipping it,
	// never failing the request.
	var peeked []string
	if len(env.Peeks) > 0 {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := range env.Peeks {
			peek := &env.Peeks[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				peekReq := recallReq
				peekReq.TrackAccess = false
				got, err := c.memories.RecallPeek(ctx, peek, peekReq)
				if err != nil {
					c.logger.Warn("peek recall failed",
						zap.String("workspace", peek.WorkspaceName), zap.Error(err))
					return
				}
				mu.Lock()
				defer mu.Unlock()
				peeked = append(peeked, peek.WorkspaceName)
				for _, r := range got.Results {
					results = append(results, MemoryResult{
						Memory: r.Memory, Score: r.Score,
						KeywordScore: r.KeywordScore, VectorScore: r.VectorScore,
						Workspace: peek.WorkspaceName,
					})
				}
			}()
		}
		wg.Wait()
		sort.Strings(peeked)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	return &MemorySection{
		Results: results,
		Ranking: local.Ranking,
		Terms:   local.Terms,
	}, peeked, nil
}

func includeSet(include []string) map[string]bool {
	if len(include) == 0 {
		return map[string]bool{
			IncludeWorkingMemory: true, IncludeMemories: true,
			IncludeSkipList: true, IncludeIdentity: true,
		}
	}
	out := make(map[string]bool, len(include))
	for _, s := range include {
		out[s] = true
	}
	return out
}
