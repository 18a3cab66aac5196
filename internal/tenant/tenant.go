// Package tenant carries the per-request tenant context assembled by the
// auth middleware: the authenticated user's plan, the resolved workspace
// handle and its unwrapped encryption key, and any read-only peek
// workspaces. Services receive an Env instead of raw headers.
package tenant

import (
	"errors"
	"fmt"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/crypto"
	"github.com/scrypster/memento/internal/workspace"
)

// ErrValidation marks request-shape errors that map to HTTP 400. Wrap it
// with the human-readable detail.
var ErrValidation = errors.New("validation failed")

// QuotaError reports a plan limit hit. Maps to HTTP 403.
type QuotaError struct {
	Resource string
	Limit    int
	Current  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d used", e.Resource, e.Current, e.Limit)
}

// Peek is a read-only handle on a peer workspace resolved for one request.
type Peek struct {
	WorkspaceID   string
	WorkspaceName string
	Store         *workspace.Store
	Key           []byte
}

// Env is the tenant context for one request. The store handle and key are
// shared across concurrent requests for the same workspace and are safe for
// concurrent use, including from fire-and-forget tasks that outlive the
// request.
type Env struct {
	UserID        string
	Plan          control.Plan
	WorkspaceID   string
	WorkspaceName string
	Store         *workspace.Store

	// Key is the unwrapped workspace data key; nil when encryption is not
	// configured, in which case fields pass through as plaintext.
	Key []byte

	Peeks []Peek
}

// Encrypt encrypts a field value with the workspace key, or passes it
// through when encryption is disabled.
func (e *Env) Encrypt(value string) (string, error) {
	if e.Key == nil || value == "" {
		return value, nil
	}
	return crypto.Encrypt(value, e.Key)
}

// Decrypt decrypts a field value. Unprefixed values pass through.
func (e *Env) Decrypt(value string) (string, error) {
	if e.Key == nil && !crypto.IsEncrypted(value) {
		return value, nil
	}
	if e.Key == nil {
		return "", fmt.Errorf("encrypted value with no workspace key")
	}
	return crypto.Decrypt(value, e.Key)
}

// Scope returns the Env's own workspace as a Peek-shaped scope, for code
// paths that treat local and peeked workspaces uniformly.
func (e *Env) Scope() Peek {
	return Peek{
		WorkspaceID:   e.WorkspaceID,
		WorkspaceName: e.WorkspaceName,
		Store:         e.Store,
		Key:           e.Key,
	}
}

// Decrypt decrypts a field value against the peek's key.
func (p *Peek) Decrypt(value string) (string, error) {
	if p.Key == nil && !crypto.IsEncrypted(value) {
		return value, nil
	}
	if p.Key == nil {
		return "", fmt.Errorf("encrypted value with no workspace key")
	}
	return crypto.Decrypt(value, p.Key)
}
