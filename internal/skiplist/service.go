// Package skiplist implements the time-expiring skip list: encrypted
// entries with required expirations, purge-on-read, and symmetric
// word-containment matching.
package skiplist

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

// Service implements skip-list operations over a tenant Env.
type Service struct {
	logger *zap.Logger
}

// NewService creates the skip-list service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

// AddRequest holds the fields of a skip-list add.
type AddRequest struct {
	Item      string
	Reason    string
	ExpiresAt time.Time
}

// Add validates and persists a skip entry. Item and reason are encrypted.
func (s *Service) Add(ctx context.Context, env *tenant.Env, req AddRequest) (*workspace.SkipEntry, error) {
	if strings.TrimSpace(req.Item) == "" {
		return nil, fmt.Errorf("%w: item is required", tenant.ErrValidation)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", tenant.ErrValidation)
	}
	if req.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: expiration is required", tenant.ErrValidation)
	}

	e := &workspace.SkipEntry{
		ID:        ids.New("skip"),
		Item:      req.Item,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt.UTC(),
		AddedAt:   time.Now().UTC(),
	}

	var err error
	if e.Item, err = env.Encrypt(e.Item); err != nil {
		return nil, err
	}
	if e.Reason, err = env.Encrypt(e.Reason); err != nil {
		return nil, err
	}
	if err := env.Store.InsertSkipEntry(ctx, e); err != nil {
		return nil, err
	}
	e.Item, e.Reason = req.Item, req.Reason
	return e, nil
}

// List returns the active entries, decrypted. Expired rows are purged first.
func (s *Service) List(ctx context.Context, env *tenant.Env) ([]workspace.SkipEntry, error) {
	scope := env.Scope()
	return s.listScope(ctx, &scope)
}

func (s *Service) listScope(ctx context.Context, scope *tenant.Peek) ([]workspace.SkipEntry, error) {
	entries, err := scope.Store.ListSkipEntries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Item, err = scope.Decrypt(entries[i].Item); err != nil {
			return nil, err
		}
		if entries[i].Reason, err = scope.Decrypt(entries[i].Reason); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Delete removes one entry.
func (s *Service) Delete(ctx context.Context, env *tenant.Env, id string) error {
	return env.Store.DeleteSkipEntry(ctx, id)
}

// Check returns the first entry matching the query, or nil. Expired rows
// are purged first.
func (s *Service) Check(ctx context.Context, env *tenant.Env, query string) (*workspace.SkipEntry, error) {
	entries, err := s.List(ctx, env)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if Match(query, entries[i].Item) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Matches returns every entry matching the query, for the context composer.
func (s *Service) Matches(ctx context.Context, env *tenant.Env, query string) ([]workspace.SkipEntry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	entries, err := s.List(ctx, env)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if Match(query, e.Item) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Match implements symmetric all-words containment: true iff every word of
// the query appears in the item, or every word of the item appears in the
// query. Comparison is case-insensitive on whitespace tokens.
func Match(query, item string) bool {
	q := strings.Fields(strings.ToLower(query))
	it := strings.Fields(strings.ToLower(item))
	if len(q) == 0 || len(it) == 0 {
		return false
	}
	return containsAll(it, q) || containsAll(q, it)
}

// containsAll reports whether every word of sub is present in set.
func containsAll(set, sub []string) bool {
	words := make(map[string]bool, len(set))
	for _, w := range set {
		words[w] = true
	}
	for _, w := range sub {
		if !words[w] {
			return false
		}
	}
	return true
}
