// Package workingmem implements structured working memory: categorized
// items with status, priority, and quota, plus the section views the
// context composer and the section endpoints read.
package workingmem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/ids"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

// SectionNames maps URL section names to item categories.
var SectionNames = map[string]workspace.ItemCategory{
	"active-work":        workspace.CategoryActiveWork,
	"standing-decisions": workspace.CategoryStandingDecision,
	"skip-list":          workspace.CategorySkipList,
	"waiting-for":        workspace.CategoryWaitingFor,
	"session-notes":      workspace.CategorySessionNote,
}

// SectionName returns the URL name of a category.
func SectionName(c workspace.ItemCategory) string {
	for name, cat := range SectionNames {
		if cat == c {
			return name
		}
	}
	return string(c)
}

// Service implements working-memory operations over a tenant Env.
type Service struct {
	logger *zap.Logger
}

// NewService creates the working-memory service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

// CreateRequest holds the fields of an item create.
type CreateRequest struct {
	Category   string
	Title      string
	Content    string
	Status     string
	Priority   int
	Tags       []string
	NextAction string
}

// Create validates and persists a new working-memory item. Non-archived
// items count against the plan's item quota.
func (s *Service) Create(ctx context.Context, env *tenant.Env, req CreateRequest) (*workspace.Item, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", tenant.ErrValidation)
	}
	category := workspace.ItemCategory(strings.ToLower(strings.TrimSpace(req.Category)))
	if !workspace.ValidItemCategory(category) {
		return nil, fmt.Errorf("%w: unknown category %q", tenant.ErrValidation, req.Category)
	}
	status := workspace.StatusActive
	if req.Status != "" {
		status = workspace.ItemStatus(strings.ToLower(req.Status))
		if !workspace.ValidItemStatus(status) {
			return nil, fmt.Errorf("%w: unknown status %q", tenant.ErrValidation, req.Status)
		}
	}

	if status != workspace.StatusArchived && !env.Plan.Unlimited(env.Plan.ItemLimit) {
		count, err := env.Store.CountNonArchivedItems(ctx)
		if err != nil {
			return nil, err
		}
		if count >= env.Plan.ItemLimit {
			return nil, &tenant.QuotaError{Resource: "items", Limit: env.Plan.ItemLimit, Current: count}
		}
	}

	now := time.Now().UTC()
	it := &workspace.Item{
		ID:          ids.New("item"),
		Category:    category,
		Title:       req.Title,
		Content:     req.Content,
		Status:      status,
		Priority:    req.Priority,
		Tags:        workspace.NormalizeTags(req.Tags),
		NextAction:  req.NextAction,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastTouched: now,
	}

	var err error
	if it.Title, err = env.Encrypt(it.Title); err != nil {
		return nil, err
	}
	if it.Content, err = env.Encrypt(it.Content); err != nil {
		return nil, err
	}
	if err := env.Store.InsertItem(ctx, it); err != nil {
		return nil, err
	}
	it.Title, it.Content = req.Title, req.Content
	return it, nil
}

// Get returns one item, decrypted.
func (s *Service) Get(ctx context.Context, env *tenant.Env, id string) (*workspace.Item, error) {
	it, err := env.Store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.decrypt(env, it); err != nil {
		return nil, err
	}
	return it, nil
}

// ListRequest selects items.
type ListRequest struct {
	Category        string
	Status          string
	Query           string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// List returns filtered items, decrypted, priority-desc then created-desc.
// The free-text query matches title and content after decryption.
func (s *Service) List(ctx context.Context, env *tenant.Env, req ListRequest) ([]workspace.Item, error) {
	f := workspace.ItemFilter{IncludeArchived: req.IncludeArchived}
	if req.Category != "" {
		category := workspace.ItemCategory(strings.ToLower(req.Category))
		if !workspace.ValidItemCategory(category) {
			return nil, fmt.Errorf("%w: unknown category %q", tenant.ErrValidation, req.Category)
		}
		f.Category = category
	}
	if req.Status != "" {
		status := workspace.ItemStatus(strings.ToLower(req.Status))
		if !workspace.ValidItemStatus(status) {
			return nil, fmt.Errorf("%w: unknown status %q", tenant.ErrValidation, req.Status)
		}
		f.Status = status
	}

	// Free-text filtering and pagination happen in-process: matching runs
	// on plaintext, which the database never sees.
	if req.Query == "" {
		f.Limit = req.Limit
		f.Offset = req.Offset
	}

	items, err := env.Store.ListItems(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if err := s.decrypt(env, &items[i]); err != nil {
			return nil, err
		}
	}

	if req.Query != "" {
		q := strings.ToLower(req.Query)
		matched := items[:0]
		for _, it := range items {
			if strings.Contains(strings.ToLower(it.Title), q) ||
				strings.Contains(strings.ToLower(it.Content), q) {
				matched = append(matched, it)
			}
		}
		items = matched
		if req.Offset > 0 {
			if req.Offset >= len(items) {
				items = nil
			} else {
				items = items[req.Offset:]
			}
		}
		if req.Limit > 0 && len(items) > req.Limit {
			items = items[:req.Limit]
		}
	}
	return items, nil
}

// UpdateRequest holds the partial fields of an item update.
type UpdateRequest struct {
	Category   *string
	Title      *string
	Content    *string
	Status     *string
	Priority   *int
	Tags       []string
	NextAction *string
}

// Update applies a partial update, refreshing updated_at and last_touched.
func (s *Service) Update(ctx context.Context, env *tenant.Env, id string, req UpdateRequest) (*workspace.Item, error) {
	it, err := env.Store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.decrypt(env, it); err != nil {
		return nil, err
	}

	if req.Category != nil {
		category := workspace.ItemCategory(strings.ToLower(*req.Category))
		if !workspace.ValidItemCategory(category) {
			return nil, fmt.Errorf("%w: unknown category %q", tenant.ErrValidation, *req.Category)
		}
		it.Category = category
	}
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, fmt.Errorf("%w: title cannot be emptied", tenant.ErrValidation)
		}
		it.Title = *req.Title
	}
	if req.Content != nil {
		it.Content = *req.Content
	}
	if req.Status != nil {
		status := workspace.ItemStatus(strings.ToLower(*req.Status))
		if !workspace.ValidItemStatus(status) {
			return nil, fmt.Errorf("%w: unknown status %q", tenant.ErrValidation, *req.Status)
		}
		it.Status = status
	}
	if req.Priority != nil {
		it.Priority = *req.Priority
	}
	if req.Tags != nil {
		it.Tags = workspace.NormalizeTags(req.Tags)
	}
	if req.NextAction != nil {
		it.NextAction = *req.NextAction
	}

	now := time.Now().UTC()
	it.UpdatedAt = now
	it.LastTouched = now

	title, content := it.Title, it.Content
	if it.Title, err = env.Encrypt(it.Title); err != nil {
		return nil, err
	}
	if it.Content, err = env.Encrypt(it.Content); err != nil {
		return nil, err
	}
	if err := env.Store.UpdateItem(ctx, it); err != nil {
		return nil, err
	}
	it.Title, it.Content = title, content
	return it, nil
}

// Delete removes an item.
func (s *Service) Delete(ctx context.Context, env *tenant.Env, id string) error {
	return env.Store.DeleteItem(ctx, id)
}

// Section is one named working-memory section with its items.
type Section struct {
	Name  string           `json:"name"`
	Items []workspace.Item `json:"items"`
}

// Sections returns the five sections in canonical order, active and paused
// items only, decrypted.
func (s *Service) Sections(ctx context.Context, env *tenant.Env) ([]Section, error) {
	items, err := s.activeAndPaused(ctx, env)
	if err != nil {
		return nil, err
	}

	byCategory := make(map[workspace.ItemCategory][]workspace.Item)
	for _, it := range items {
		byCategory[it.Category] = append(byCategory[it.Category], it)
	}

	out := make([]Section, 0, len(workspace.ItemCategories))
	for _, c := range workspace.ItemCategories {
		out = append(out, Section{Name: SectionName(c), Items: byCategory[c]})
	}
	return out, nil
}

// SectionItems returns one section's items by URL name.
func (s *Service) SectionItems(ctx context.Context, env *tenant.Env, section string) ([]workspace.Item, error) {
	category, ok := SectionNames[section]
	if !ok {
		return nil, fmt.Errorf("%w: unknown section %q", tenant.ErrValidation, section)
	}
	return s.List(ctx, env, ListRequest{Category: string(category)})
}

// ReplaceSection replaces one section's content wholesale: existing items in
// the category are archived and the given titles are inserted as new active
// items. This backs PUT /working-memory/:section.
func (s *Service) ReplaceSection(ctx context.Context, env *tenant.Env, section string, titles []string) ([]workspace.Item, error) {
	category, ok := SectionNames[section]
	if !ok {
		return nil, fmt.Errorf("%w: unknown section %q", tenant.ErrValidation, section)
	}

	existing, err := env.Store.ListItems(ctx, workspace.ItemFilter{Category: category})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range existing {
		existing[i].Status = workspace.StatusArchived
		existing[i].UpdatedAt = now
		existing[i].LastTouched = now
		if err := env.Store.UpdateItem(ctx, &existing[i]); err != nil {
			return nil, err
		}
	}

	out := make([]workspace.Item, 0, len(titles))
	for _, title := range titles {
		if strings.TrimSpace(title) == "" {
			continue
		}
		it, err := s.Create(ctx, env, CreateRequest{Category: string(category), Title: title})
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, nil
}

// activeAndPaused lists the items the composer shows: active plus paused,
// priority-desc then created-desc.
func (s *Service) activeAndPaused(ctx context.Context, env *tenant.Env) ([]workspace.Item, error) {
	items, err := env.Store.ListItems(ctx, workspace.ItemFilter{})
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Status != workspace.StatusActive && it.Status != workspace.StatusPaused {
			continue
		}
		if err := s.decrypt(env, &it); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// ActiveItems exposes the composer view.
func (s *Service) ActiveItems(ctx context.Context, env *tenant.Env) ([]workspace.Item, error) {
	return s.activeAndPaused(ctx, env)
}

func (s *Service) decrypt(env *tenant.Env, it *workspace.Item) error {
	var err error
	if it.Title, err = env.Decrypt(it.Title); err != nil {
		return err
	}
	if it.Content, err = env.Decrypt(it.Content); err != nil {
		return err
	}
	return nil
}
