// Package distill turns conversation transcripts into candidate memories
// through an external LLM, tolerating noisy model output and falling back to
// an empty extraction when the model is unavailable.
package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

const (
	// MaxCandidates caps extracted memories per transcript.
	MaxCandidates = 20

	// MaxTranscript bounds the transcript passed to the model.
	MaxTranscript = 60_000

	// maxTags caps tags per extracted memory, before the source tag.
	maxTags = 3

	// dedupContext is how many recent memories are shown to the model so it
	// skips facts the workspace already holds.
	dedupContext = 25
)

// Service implements transcript distillation.
type Service struct {
	completer llm.Completer // nil disables extraction
	store     *memories.Service
	logger    *zap.Logger
}

// NewService creates the distill service. completer may be nil; distillation
// then always reports zero extractions.
func NewService(completer llm.Completer, store *memories.Service, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{completer: completer, store: store, logger: logger}, nil
}

// candidate is the JSON shape the model is asked to emit.
type candidate struct {
	Content string   `json:"content"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

// Distill extracts candidate memories from a transcript and stores them
// through the normal create pipeline, tagged source:distill. Model failures
// degrade to an empty extraction, never an error.
func (s *Service) Distill(ctx context.Context, env *tenant.Env, transcript string) (int, error) {
	if strings.TrimSpace(transcript) == "" {
		return 0, fmt.Errorf("%w: transcript is required", tenant.ErrValidation)
	}
	if s.completer == nil {
		return 0, nil
	}
	if len(transcript) > MaxTranscript {
		transcript = transcript[:MaxTranscript]
	}

	existing, err := s.store.List(ctx, env, workspace.MemoryFilter{
		Sort:  "created_at",
		Limit: dedupContext,
	})
	if err != nil {
		return 0, err
	}
	dedup := make([]string, 0, len(existing))
	for _, m := range existing {
		dedup = append(dedup, m.Content)
	}

	prompt := buildPrompt(transcript, dedup)
	raw, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		s.logger.Warn("distill extraction failed", zap.Error(err))
		return 0, nil
	}

	candidates := parseCandidates(raw)
	if len(candidates) == 0 {
		return 0, nil
	}
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}

	entries := make([]memories.IngestEntry, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		tags := c.Tags
		if len(tags) > maxTags {
			tags = tags[:maxTags]
		}
		for i := range tags {
			tags[i] = strings.ToLower(strings.TrimSpace(tags[i]))
		}
		entries = append(entries, memories.IngestEntry{
			Content: c.Content,
			Type:    c.Type,
			Tags:    tags,
		})
	}
	if len(entries) == 0 {
		return 0, nil
	}

	stored, err := s.store.Ingest(ctx, env, entries, "distill")
	if err != nil {
		return len(stored), err
	}
	return len(stored), nil
}

func buildPrompt(transcript string, existing []string) string {
	var b strings.Builder
	b.WriteString("Extract new long-term memories from this agent conversation transcript.\n")
	b.WriteString("Respond with a JSON array only. Each element: ")
	b.WriteString(`{"content": "...", "type": "fact|decision|instruction|observation|preference", "tags": ["..."]}` + "\n")
	fmt.Fprintf(&b, "At most %d entries, at most %d short lowercase tags each.\n", MaxCandidates, maxTags)
	b.WriteString("Skip anything already covered by these existing memories:\n")
	for _, e := range existing {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

// parseCandidates tolerates model noise: code fences are stripped, and if
// the payload still fails to parse, the first bracketed array is tried.
func parseCandidates(raw string) []candidate {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var out []candidate
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return out
	}

	start := strings.IndexByte(cleaned, '[')
	end := strings.LastIndexByte(cleaned, ']')
	if start < 0 || end <= start {
		return nil
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}
