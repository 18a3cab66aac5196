// Package control implements the control store: users, credentials, the
// workspace registry, and wrapped workspace keys.
package control

import (
	"errors"
	"time"
)

// Sentinel errors for control store operations.
var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCredentialRevoked is returned for revoked credentials.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrWorkspaceExists is returned on a duplicate (user, name) workspace.
	ErrWorkspaceExists = errors.New("workspace already exists")

	// ErrEmailTaken is returned when signup reuses an email.
	ErrEmailTaken = errors.New("email already registered")
)

// User is an account that owns credentials and workspaces.
type User struct {
	ID        string
	Email     string
	Name      string
	Plan      string
	CreatedAt time.Time
}

// Credential is a hashed agent credential.
type Credential struct {
	ID         string
	UserID     string
	Hash       string
	Prefix     string
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// Workspace is a registry row pointing at a tenant database.
type Workspace struct {
	ID           string
	UserID       string
	Name         string
	DBURL        string
	DBToken      string
	EncryptedKey string
	CreatedAt    time.Time
}

// Plan describes quota limits. A zero limit means unlimited.
type Plan struct {
	Name            string
	MemoryLimit     int
	ItemLimit       int
	WorkspaceLimit  int
}

// Built-in plans. The free plan matches the signup default.
var plans = map[string]Plan{
	"free": {Name: "free", MemoryLimit: 1000, ItemLimit: 100, WorkspaceLimit: 3},
	"pro":  {Name: "pro", MemoryLimit: 20000, ItemLimit: 2000, WorkspaceLimit: 20},
	"full": {Name: "full"},
}

// PlanByName resolves a plan, falling back to free for unknown names.
func PlanByName(name string) Plan {
	if p, ok := plans[name]; ok {
		return p
	}
	return plans["free"]
}

// Unlimited reports whether a limit is disabled.
func (p Plan) Unlimited(limit int) bool { return limit == 0 }
