// Package vectorstore abstracts the semantic-search backend behind two
// opaque operations: index a memory by id and search by text. Ranking and
// everything else about recall lives in the scoring engine; backends only
// return (memory id, similarity) pairs.
package vectorstore

import (
	"context"
	"errors"
	"regexp"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the remote backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector backend")

	// ErrInvalidCollectionName indicates a workspace id that cannot be
	// used as a collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Hit is one semantic search result. Score is normalized to [0, 1].
type Hit struct {
	MemoryID string
	Score    float64
}

// Index is the opaque semantic backend. Implementations must be safe for
// concurrent use; every upsert is fire-and-forget from the caller's side and
// every search runs under the request deadline.
type Index interface {
	// Upsert indexes (or re-indexes) a memory's plaintext content.
	Upsert(ctx context.Context, workspaceID, memoryID, content string, tags []string) error

	// Search returns up to limit hits for the query, best first.
	Search(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error)

	// Delete evicts a memory from the index. Deleting an unindexed id is
	// not an error.
	Delete(ctx context.Context, workspaceID, memoryID string) error

	// Close releases backend resources.
	Close() error
}

// collectionNamePattern validates derived collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// collectionName derives the backend collection for a workspace.
func collectionName(workspaceID string) (string, error) {
	if workspaceID == "" {
		return "", ErrInvalidCollectionName
	}
	name := "mem_" + workspaceID
	if !collectionNamePattern.MatchString(name) {
		return "", ErrInvalidCollectionName
	}
	return name, nil
}
