// Package consolidate implements memory consolidation: union-find grouping
// over shared tags, template and AI summary synthesis, and the agent-driven
// merge. Sources are soft-deleted; nothing is ever hard-removed.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/ids"
	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/vectorstore"
	"github.com/scrypster/memento/internal/workspace"
)

const (
	// MinGroupSize is the smallest component eligible for automatic
	// consolidation.
	MinGroupSize = 3

	// LabelConsolidatedFrom labels the reverse edges a consolidation
	// target carries to its sources.
	LabelConsolidatedFrom = "consolidated-from"

	// synthesisTimeout bounds the AI summary call; on timeout the template
	// summary is used.
	synthesisTimeout = 20 * time.Second
)

// Service implements consolidation over a tenant Env.
type Service struct {
	completer llm.Completer // nil means template-only synthesis
	index     vectorstore.Index
	logger    *zap.Logger
}

// NewService creates the consolidation service. completer may be nil.
func NewService(completer llm.Completer, index vectorstore.Index, logger *zap.Logger) *Service {
	if index == nil {
		index = vectorstore.NoopIndex{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{completer: completer, index: index, logger: logger}
}

// Groups partitions tagged memories into connected components under the
// shared-tag relation (case-insensitive). Untagged memories are ignored.
func Groups(memories []workspace.Memory) [][]*workspace.Memory {
	tagged := make([]*workspace.Memory, 0, len(memories))
	for i := range memories {
		if len(memories[i].Tags) > 0 {
			tagged = append(tagged, &memories[i])
		}
	}

	parent := make([]int, len(tagged))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	// Union memories through their tags.
	tagOwner := make(map[string]int)
	for i, m := range tagged {
		for _, tag := range m.Tags {
			tag = strings.ToLower(tag)
			if owner, ok := tagOwner[tag]; ok {
				union(owner, i)
			} else {
				tagOwner[tag] = i
			}
		}
	}

	byRoot := make(map[int][]*workspace.Memory)
	var order []int
	for i, m := range tagged {
		root := find(i)
		if _, ok := byRoot[root]; !ok {
			order = append(order, root)
		}
		byRoot[root] = append(byRoot[root], m)
	}

	out := make([][]*workspace.Memory, 0, len(order))
	for _, root := range order {
		out = append(out, byRoot[root])
	}
	return out
}

// Result summarizes one consolidation pass.
type Result struct {
	Consolidations []ConsolidationResult `json:"consolidations"`
	GroupsFound    int                   `json:"groups_found"`
}

// ConsolidationResult describes one created consolidation.
type ConsolidationResult struct {
	MemoryID    string                    `json:"memory_id"`
	SourceCount int                       `json:"source_count"`
	Tags        []string                  `json:"tags"`
	Method      workspace.SynthesisMethod `json:"method"`
	Summary     string                    `json:"summary"`
}

// Run executes one automatic consolidation pass: group candidates by shared
// tags and consolidate every component of size MinGroupSize or larger. A
// re-run after a successful pass finds no new groups because sources are
// flagged consolidated.
func (s *Service) Run(ctx context.Context, env *tenant.Env) (*Result, error) {
	candidates, err := env.Store.ActiveMemories(ctx)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Content, err = env.Decrypt(candidates[i].Content); err != nil {
			return nil, err
		}
	}

	res := &Result{Consolidations: []ConsolidationResult{}}
	for _, group := range Groups(candidates) {
		if len(group) < MinGroupSize {
			continue
		}
		res.GroupsFound++
		cr, err := s.consolidateGroup(ctx, env, group, workspace.ConsolidationAuto, "", "", nil)
		if err != nil {
			return nil, err
		}
		res.Consolidations = append(res.Consolidations, *cr)
	}
	return res, nil
}

// MergeRequest is an agent-driven merge of explicitly chosen sources.
type MergeRequest struct {
	SourceIDs []string
	Summary   string
	Type      string
	ExtraTags []string
}

// Merge consolidates the named sources. Every id must exist and be
// non-consolidated; the whole request is rejected otherwise.
func (s *Service) Merge(ctx context.Context, env *tenant.Env, req MergeRequest) (*ConsolidationResult, error) {
	if len(req.SourceIDs) < 2 {
		return nil, fmt.Errorf("%w: at least 2 source ids required", tenant.ErrValidation)
	}

	group := make([]*workspace.Memory, 0, len(req.SourceIDs))
	seen := make(map[string]bool, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate source id %s", tenant.ErrValidation, id)
		}
		seen[id] = true
		m, err := env.Store.GetMemory(ctx, id)
		if err != nil {
			if err == workspace.ErrNotFound {
				return nil, fmt.Errorf("%w: source %s does not exist", tenant.ErrValidation, id)
			}
			return nil, err
		}
		if m.Consolidated {
			return nil, fmt.Errorf("%w: source %s is already consolidated", tenant.ErrValidation, id)
		}
		if m.Content, err = env.Decrypt(m.Content); err != nil {
			return nil, err
		}
		group = append(group, m)
	}

	return s.consolidateGroup(ctx, env, group, workspace.ConsolidationManual, req.Summary, req.Type, req.ExtraTags)
}

// consolidateGroup builds and applies one consolidation: the new memory, the
// record, and the source flags land in a single store transaction.
func (s *Service) consolidateGroup(ctx context.Context, env *tenant.Env, group []*workspace.Memory,
	kind workspace.ConsolidationType, agentSummary, agentType string, extraTags []string) (*ConsolidationResult, error) {

	tags := tagUnion(group)
	tags = workspace.NormalizeTags(append(tags, extraTags...))
	template := templateSummary(group, tags)

	summary := template
	method := workspace.SynthesisTemplate
	switch {
	case agentSummary != "":
		summary = agentSummary
		method = workspace.SynthesisAI
	case s.completer != nil:
		if out, err := s.synthesize(ctx, group); err == nil {
			summary = out
			method = workspace.SynthesisAI
		} else {
			s.logger.Warn("ai synthesis failed, using template", zap.Error(err))
		}
	}

	memType := modalType(group)
	if agentType != "" {
		t, err := workspace.NormalizeMemoryType(agentType, false)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown memory type %q", tenant.ErrValidation, agentType)
		}
		memType = t
	}

	sourceIDs := make([]string, 0, len(group))
	accessSum := 0
	linkages := make([]workspace.Linkage, 0, len(group))
	for _, m := range group {
		sourceIDs = append(sourceIDs, m.ID)
		accessSum += m.AccessCount
		linkages = append(linkages, workspace.Linkage{
			Type: workspace.LinkMemory, ID: m.ID, Label: LabelConsolidatedFrom,
		})
	}
	linkages = append(linkages, inheritedLinkages(group)...)

	encSummary, err := env.Encrypt(summary)
	if err != nil {
		return nil, err
	}

	newMem := &workspace.Memory{
		ID:          ids.New("mem"),
		Content:     encSummary,
		Type:        memType,
		Tags:        tags,
		CreatedAt:   time.Now().UTC(),
		Relevance:   1,
		AccessCount: accessSum,
		Linkages:    linkages,
	}
	record := &workspace.Consolidation{
		ID:              ids.New("con"),
		Summary:         encSummary,
		SourceIDs:       sourceIDs,
		Tags:            tags,
		Type:            kind,
		Method:          method,
		TemplateSummary: template,
		MemoryID:        newMem.ID,
		CreatedAt:       newMem.CreatedAt,
	}

	if err := env.Store.ApplyConsolidation(ctx, newMem, record, sourceIDs); err != nil {
		return nil, err
	}

	// Index the synthesis; sources stay indexed but are excluded from
	// recall candidates by the consolidated flag.
	workspaceID := env.WorkspaceID
	memID := newMem.ID
	plaintext := summary
	memTags := tags
	go func() {
		ictx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.index.Upsert(ictx, workspaceID, memID, plaintext, memTags); err != nil {
			s.logger.Warn("vector upsert failed", zap.String("memory_id", memID), zap.Error(err))
		}
	}()

	return &ConsolidationResult{
		MemoryID:    newMem.ID,
		SourceCount: len(group),
		Tags:        tags,
		Method:      method,
		Summary:     summary,
	}, nil
}

// synthesize asks the LLM for a 2-3 paragraph synthesis of the group.
func (s *Service) synthesize(ctx context.Context, group []*workspace.Memory) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	var b strings.Builder
	b.WriteString("Synthesize the following related memories into 2-3 cohesive paragraphs. ")
	b.WriteString("Preserve concrete facts, decisions, and preferences. Respond with the paragraphs only.\n\n")
	for i, m := range group {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, m.Type, m.Content)
	}

	out, err := s.completer.Complete(ctx, b.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty synthesis")
	}
	return out, nil
}

// templateSummary is the deterministic fallback synthesis.
func templateSummary(group []*workspace.Memory, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] — %d memories consolidated\n", strings.Join(sorted, ", "), len(group))
	for _, m := range group {
		fmt.Fprintf(&b, "• %s (%s, %s)\n", m.Content, m.Type, m.CreatedAt.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// tagUnion collects the case-normalized tag union in first-seen order.
func tagUnion(group []*workspace.Memory) []string {
	var all []string
	for _, m := range group {
		all = append(all, m.Tags...)
	}
	return workspace.NormalizeTags(all)
}

// modalType picks the most common source type, ties broken by first seen.
func modalType(group []*workspace.Memory) workspace.MemoryType {
	counts := make(map[workspace.MemoryType]int)
	var order []workspace.MemoryType
	for _, m := range group {
		if counts[m.Type] == 0 {
			order = append(order, m.Type)
		}
		counts[m.Type]++
	}
	best := order[0]
	for _, t := range order {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}

// inheritedLinkages collects the sources' own linkages, deduplicated on
// (type, target, label), dropping edges that point at group members.
func inheritedLinkages(group []*workspace.Memory) []workspace.Linkage {
	member := make(map[string]bool, len(group))
	for _, m := range group {
		member[m.ID] = true
	}

	seen := make(map[string]bool)
	var out []workspace.Linkage
	for _, m := range group {
		for _, l := range m.Linkages {
			if l.Type == workspace.LinkMemory && member[l.ID] {
				continue
			}
			key := string(l.Type) + "\x00" + l.Target() + "\x00" + l.Label
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, l)
		}
	}
	return out
}
