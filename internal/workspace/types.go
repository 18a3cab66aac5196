// Package workspace implements the per-workspace store: memories, working
// memory items, the skip list, identity snapshots, consolidations, settings,
// and the access log. Each workspace owns its own database.
package workspace

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for workspace store operations.
var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidType is returned for an unknown memory type.
	ErrInvalidType = errors.New("invalid memory type")

	// ErrInvalidCategory is returned for an unknown item category.
	ErrInvalidCategory = errors.New("invalid item category")

	// ErrInvalidStatus is returned for an unknown item status.
	ErrInvalidStatus = errors.New("invalid item status")
)

// MemoryType enumerates the memory variants.
type MemoryType string

const (
	TypeFact        MemoryType = "fact"
	TypeDecision    MemoryType = "decision"
	TypeInstruction MemoryType = "instruction"
	TypeObservation MemoryType = "observation"
	TypePreference  MemoryType = "preference"
)

// MemoryTypes lists the valid memory types.
var MemoryTypes = []MemoryType{TypeFact, TypeDecision, TypeInstruction, TypeObservation, TypePreference}

// ValidMemoryType reports whether t is a known memory type.
func ValidMemoryType(t MemoryType) bool {
	for _, v := range MemoryTypes {
		if t == v {
			return true
		}
	}
	return false
}

// NormalizeMemoryType lowercases and validates a type name, defaulting
// unknown values to "fact" when lenient is set.
func NormalizeMemoryType(s string, lenient bool) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if t == "" && lenient {
		return TypeFact, nil
	}
	if ValidMemoryType(t) {
		return t, nil
	}
	if lenient {
		return TypeFact, nil
	}
	return "", ErrInvalidType
}

// LinkageType enumerates linkage variants.
type LinkageType string

const (
	LinkMemory LinkageType = "memory"
	LinkItem   LinkageType = "item"
	LinkFile   LinkageType = "file"
)

// Linkage is a typed edge attached to a memory. Memory and item linkages
// carry a target ID; file linkages carry a vault path.
type Linkage struct {
	Type  LinkageType `json:"type"`
	ID    string      `json:"id,omitempty"`
	Path  string      `json:"path,omitempty"`
	Label string      `json:"label,omitempty"`
}

// Target returns the edge destination: the id for memory/item linkages, the
// path for file linkages.
func (l Linkage) Target() string {
	if l.Type == LinkFile {
		return l.Path
	}
	return l.ID
}

// ImageMeta records an image attachment stored in the blob store.
type ImageMeta struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Key      string `json:"key"`
}

// Memory is a free-form piece of knowledge.
type Memory struct {
	ID               string      `json:"id"`
	Content          string      `json:"content"`
	Type             MemoryType  `json:"type"`
	Tags             []string    `json:"tags"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	Relevance        float64     `json:"relevance"`
	AccessCount      int         `json:"access_count"`
	LastAccessedAt   *time.Time  `json:"last_accessed_at,omitempty"`
	Consolidated     bool        `json:"consolidated"`
	ConsolidatedInto string      `json:"consolidated_into,omitempty"`
	Linkages         []Linkage   `json:"linkages,omitempty"`
	Images           []ImageMeta `json:"images,omitempty"`
}

// Expired reports whether the memory's expiration has passed.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// HasTag reports case-insensitive tag membership.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ItemCategory enumerates working-memory item categories.
type ItemCategory string

const (
	CategoryActiveWork       ItemCategory = "active_work"
	CategoryStandingDecision ItemCategory = "standing_decision"
	CategorySkipList         ItemCategory = "skip_list"
	CategoryWaitingFor       ItemCategory = "waiting_for"
	CategorySessionNote      ItemCategory = "session_note"
)

// ItemCategories lists the valid categories in section order.
var ItemCategories = []ItemCategory{
	CategoryActiveWork, CategoryStandingDecision, CategorySkipList,
	CategoryWaitingFor, CategorySessionNote,
}

// ValidItemCategory reports whether c is a known category.
func ValidItemCategory(c ItemCategory) bool {
	for _, v := range ItemCategories {
		if c == v {
			return true
		}
	}
	return false
}

// ItemStatus enumerates working-memory item statuses.
type ItemStatus string

const (
	StatusActive    ItemStatus = "active"
	StatusPaused    ItemStatus = "paused"
	StatusCompleted ItemStatus = "completed"
	StatusArchived  ItemStatus = "archived"
)

// ValidItemStatus reports whether s is a known status.
func ValidItemStatus(s ItemStatus) bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Item is a structured working-memory entry.
type Item struct {
	ID          string       `json:"id"`
	Category    ItemCategory `json:"category"`
	Title       string       `json:"title"`
	Content     string       `json:"content,omitempty"`
	Status      ItemStatus   `json:"status"`
	Priority    int          `json:"priority"`
	Tags        []string     `json:"tags,omitempty"`
	NextAction  string       `json:"next_action,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	LastTouched time.Time    `json:"last_touched"`
}

// SkipEntry is a time-expiring thing the agent should not investigate.
type SkipEntry struct {
	ID        string    `json:"id"`
	Item      string    `json:"item"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	AddedAt   time.Time `json:"added_at"`
}

// IdentitySnapshot is one entry in the identity crystal log.
type IdentitySnapshot struct {
	ID          string    `json:"id"`
	Crystal     string    `json:"crystal"`
	SourceCount int       `json:"source_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsolidationType distinguishes automatic passes from agent-driven merges.
type ConsolidationType string

const (
	ConsolidationAuto   ConsolidationType = "auto"
	ConsolidationManual ConsolidationType = "manual"
)

// SynthesisMethod records how a consolidation summary was produced.
type SynthesisMethod string

const (
	SynthesisAI       SynthesisMethod = "ai"
	SynthesisTemplate SynthesisMethod = "template"
)

// Consolidation records one soft-merge of source memories.
type Consolidation struct {
	ID              string            `json:"id"`
	Summary         string            `json:"summary"`
	SourceIDs       []string          `json:"source_ids"`
	Tags            []string          `json:"tags"`
	Type            ConsolidationType `json:"type"`
	Method          SynthesisMethod   `json:"method"`
	TemplateSummary string            `json:"template_summary,omitempty"`
	MemoryID        string            `json:"memory_id"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Recognized workspace setting keys.
const (
	SettingRecallAlpha     = "recall_alpha"
	SettingRecallThreshold = "recall_threshold"
)

// NormalizeTags lowercases, trims, and deduplicates a tag set, preserving
// first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
