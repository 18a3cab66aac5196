// Package graph implements the linkage graph: typed edge validation, forward
// and reverse relation discovery, and BFS subgraph extraction.
package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/workspace"
)

// MaxDepth caps subgraph traversal depth.
const MaxDepth = 5

// ValidateLinkages filters raw linkage entries down to the three valid
// variants, normalized. Invalid entries are silently dropped; writes never
// fail on a bad linkage.
func ValidateLinkages(raw []workspace.Linkage) []workspace.Linkage {
	out := make([]workspace.Linkage, 0, len(raw))
	for _, l := range raw {
		switch l.Type {
		case workspace.LinkMemory, workspace.LinkItem:
			if l.ID == "" {
				continue
			}
			l.Path = ""
		case workspace.LinkFile:
			if l.Path == "" {
				continue
			}
			l.ID = ""
		default:
			continue
		}
		out = append(out, l)
	}
	return out
}

// Relation is one edge incident to a memory.
type Relation struct {
	Direction string                `json:"direction"` // outgoing | incoming
	Type      workspace.LinkageType `json:"type"`
	Target    string                `json:"target"`
	Label     string                `json:"label,omitempty"`
}

// Node is one memory emitted by a subgraph traversal.
type Node struct {
	ID      string               `json:"id"`
	Content string               `json:"content"`
	Type    workspace.MemoryType `json:"type"`
	Tags    []string             `json:"tags,omitempty"`
	Depth   int                  `json:"depth"`
}

// Edge is one deduplicated subgraph edge.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Subgraph is the result of a BFS traversal.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Service answers relation and subgraph queries over one workspace store.
type Service struct {
	store  *workspace.Store
	logger *zap.Logger
}

// NewService creates a graph service.
func NewService(store *workspace.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("workspace store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}, nil
}

// Related returns the direct relations of a memory: outgoing edges parsed
// from its own linkage list, incoming edges from a reverse scan confirmed by
// structural match.
func (s *Service) Related(ctx context.Context, id string) ([]Relation, error) {
	m, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	var out []Relation
	for _, l := range m.Linkages {
		out = append(out, Relation{
			Direction: "outgoing", Type: l.Type, Target: l.Target(), Label: l.Label,
		})
	}

	incoming, err := s.incoming(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, in := range incoming {
		out = append(out, Relation{
			Direction: "incoming", Type: workspace.LinkMemory,
			Target: in.from, Label: in.label,
		})
	}
	return out, nil
}

type incomingEdge struct {
	from  string
	label string
}

// incoming finds memories with a confirmed memory-linkage to target. The
// LIKE pre-filter alone is never trusted; each candidate is checked
// structurally.
func (s *Service) incoming(ctx context.Context, targetID string) ([]incomingEdge, error) {
	candidates, err := s.store.MemoriesLinkingTo(ctx, targetID)
	if err != nil {
		return nil, err
	}
	var out []incomingEdge
	for i := range candidates {
		if candidates[i].ID == targetID {
			continue
		}
		for _, l := range candidates[i].Linkages {
			if l.Type == workspace.LinkMemory && l.ID == targetID {
				out = append(out, incomingEdge{from: candidates[i].ID, label: l.Label})
			}
		}
	}
	return out, nil
}

// Subgraph runs a BFS from startID across memory edges, forward and reverse,
// up to depth levels (capped at MaxDepth). File edges are emitted as
// synthetic "file:<path>" edges and never traversed. Edges are deduplicated
// on (from, to, label), nodes on id. Nodes on the depth frontier still emit
// their edges, so an edge may reference an id outside the node set; callers
// rendering the subgraph should treat such targets as unexpanded stubs.
func (s *Service) Subgraph(ctx context.Context, startID string, depth int) (*Subgraph, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}

	type queued struct {
		id    string
		depth int
	}

	sub := &Subgraph{Nodes: []Node{}, Edges: []Edge{}}
	seenNodes := make(map[string]bool)
	seenEdges := make(map[string]bool)
	queue := []queued{{id: startID, depth: 0}}

	addEdge := func(from, to, label string) {
		key := from + "\x00" + to + "\x00" + label
		if seenEdges[key] {
			return
		}
		seenEdges[key] = true
		sub.Edges = append(sub.Edges, Edge{From: from, To: to, Label: label})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seenNodes[cur.id] {
			continue
		}

		m, err := s.store.GetMemory(ctx, cur.id)
		if err != nil {
			if cur.id == startID {
				return nil, err
			}
			// A dangling linkage target is not an error; skip it.
			s.logger.Debug("skipping dangling linkage target", zap.String("id", cur.id))
			continue
		}
		seenNodes[cur.id] = true
		sub.Nodes = append(sub.Nodes, Node{
			ID: m.ID, Content: m.Content, Type: m.Type, Tags: m.Tags, Depth: cur.depth,
		})

		for _, l := range m.Linkages {
			switch l.Type {
			case workspace.LinkMemory:
				addEdge(m.ID, l.ID, l.Label)
				if cur.depth < depth && !seenNodes[l.ID] {
					queue = append(queue, queued{id: l.ID, depth: cur.depth + 1})
				}
			case workspace.LinkFile:
				addEdge(m.ID, "file:"+l.Path, l.Label)
			}
		}

		incoming, err := s.incoming(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, in := range incoming {
			addEdge(in.from, m.ID, in.label)
			if cur.depth < depth && !seenNodes[in.from] {
				queue = append(queue, queued{id: in.from, depth: cur.depth + 1})
			}
		}
	}

	return sub, nil
}
