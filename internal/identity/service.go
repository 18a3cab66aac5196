// Package identity implements the identity crystal: a first-person Markdown
// snapshot of the workspace's current state, kept as an append-only log.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/ids"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workingmem"
	"github.com/scrypster/memento/internal/workspace"
)

const (
	// topMemories is how many memories by relevance feed the crystal.
	topMemories = 30

	// recentConsolidations is how many consolidations feed the crystal.
	recentConsolidations = 10
)

// Service implements identity operations over a tenant Env.
type Service struct {
	items  *workingmem.Service
	logger *zap.Logger
}

// NewService creates the identity service.
func NewService(items *workingmem.Service, logger *zap.Logger) (*Service, error) {
	if items == nil {
		return nil, fmt.Errorf("working-memory service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{items: items, logger: logger}, nil
}

// Latest returns the most recent snapshot, decrypted, or ErrNotFound.
func (s *Service) Latest(ctx context.Context, env *tenant.Env) (*workspace.IdentitySnapshot, error) {
	scope := env.Scope()
	return s.latestScope(ctx, &scope)
}

func (s *Service) latestScope(ctx context.Context, scope *tenant.Peek) (*workspace.IdentitySnapshot, error) {
	snap, err := scope.Store.LatestIdentitySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Crystal, err = scope.Decrypt(snap.Crystal); err != nil {
		return nil, err
	}
	return snap, nil
}

// History returns recent snapshots, newest first, decrypted.
func (s *Service) History(ctx context.Context, env *tenant.Env, limit int) ([]workspace.IdentitySnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	snaps, err := env.Store.IdentityHistory(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].Crystal, err = env.Decrypt(snaps[i].Crystal); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

// Put stores an agent-supplied crystal verbatim as a new snapshot.
func (s *Service) Put(ctx context.Context, env *tenant.Env, crystal string) (*workspace.IdentitySnapshot, error) {
	if strings.TrimSpace(crystal) == "" {
		return nil, fmt.Errorf("%w: crystal text is required", tenant.ErrValidation)
	}
	return s.store(ctx, env, crystal, 0)
}

// Crystallize generates a fresh crystal from the workspace's current state
// and stores it as a new snapshot.
func (s *Service) Crystallize(ctx context.Context, env *tenant.Env) (*workspace.IdentitySnapshot, error) {
	sections, err := s.items.Sections(ctx, env)
	if err != nil {
		return nil, err
	}

	memories, err := s.topByRelevance(ctx, env)
	if err != nil {
		return nil, err
	}

	consolidations, err := env.Store.RecentConsolidations(ctx, recentConsolidations)
	if err != nil {
		return nil, err
	}
	for i := range consolidations {
		if consolidations[i].Summary, err = env.Decrypt(consolidations[i].Summary); err != nil {
			return nil, err
		}
	}

	crystal, sources := render(env.WorkspaceName, sections, memories, consolidations)
	return s.store(ctx, env, crystal, sources)
}

func (s *Service) store(ctx context.Context, env *tenant.Env, crystal string, sources int) (*workspace.IdentitySnapshot, error) {
	snap := &workspace.IdentitySnapshot{
		ID:          ids.New("idn"),
		Crystal:     crystal,
		SourceCount: sources,
		CreatedAt:   time.Now().UTC(),
	}
	enc, err := env.Encrypt(crystal)
	if err != nil {
		return nil, err
	}
	snap.Crystal = enc
	if err := env.Store.InsertIdentitySnapshot(ctx, snap); err != nil {
		return nil, err
	}
	snap.Crystal = crystal
	return snap, nil
}

// topByRelevance returns up to topMemories active memories by stored
// relevance, decrypted.
func (s *Service) topByRelevance(ctx context.Context, env *tenant.Env) ([]workspace.Memory, error) {
	memories, err := env.Store.ActiveMemories(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Relevance != memories[j].Relevance {
			return memories[i].Relevance > memories[j].Relevance
		}
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	if len(memories) > topMemories {
		memories = memories[:topMemories]
	}
	for i := range memories {
		if memories[i].Content, err = env.Decrypt(memories[i].Content); err != nil {
			return nil, err
		}
	}
	return memories, nil
}

// render emits the crystal Markdown and the number of sources that fed it.
func render(workspaceName string, sections []workingmem.Section,
	memories []workspace.Memory, consolidations []workspace.Consolidation) (string, int) {

	var b strings.Builder
	sources := 0

	fmt.Fprintf(&b, "# Identity Crystal: %s\n\n", workspaceName)
	fmt.Fprintf(&b, "_Generated %s_\n", time.Now().UTC().Format("2006-01-02 15:04 UTC"))

	wroteSections := false
	for _, sec := range sections {
		if len(sec.Items) == 0 {
			continue
		}
		if !wroteSections {
			b.WriteString("\n## Working Memory\n")
			wroteSections = true
		}
		fmt.Fprintf(&b, "\n### %s\n", sec.Name)
		for _, it := range sec.Items {
			fmt.Fprintf(&b, "- %s", it.Title)
			if it.NextAction != "" {
				fmt.Fprintf(&b, " (next: %s)", it.NextAction)
			}
			b.WriteString("\n")
			sources++
		}
	}

	if len(memories) > 0 {
		b.WriteString("\n## What I Know\n\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s", m.Type, m.Content)
			if len(m.Tags) > 0 {
				fmt.Fprintf(&b, " _(%s)_", strings.Join(m.Tags, ", "))
			}
			b.WriteString("\n")
			sources++
		}
	}

	if len(consolidations) > 0 {
		b.WriteString("\n## Consolidated Understanding\n\n")
		for _, c := range consolidations {
			fmt.Fprintf(&b, "- %s _(%d sources, %s)_\n",
				firstLine(c.Summary), len(c.SourceIDs), c.CreatedAt.Format("2006-01-02"))
			sources++
		}
	}

	fmt.Fprintf(&b, "\n---\n_Crystallized from %d sources._\n", sources)
	return b.String(), sources
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
