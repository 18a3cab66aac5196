// Package blob stores image payloads on the local filesystem, keyed by
// workspace, memory, and filename. Image bytes never enter the workspace
// database; only metadata rows reference them.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidName indicates a key component that would escape the root.
	ErrInvalidName = errors.New("invalid blob name")
)

// Store is a filesystem-backed blob store rooted at a single directory.
// Layout: <root>/<workspace_id>/<memory_id>/<filename>.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates the blob store, creating the root directory if needed.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// validComponent rejects path components that could traverse outside the
// store root.
func validComponent(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

func (s *Store) path(workspaceID, memoryID, filename string) (string, error) {
	for _, c := range []string{workspaceID, memoryID, filename} {
		if !validComponent(c) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, c)
		}
	}
	return filepath.Join(s.root, workspaceID, memoryID, filename), nil
}

// Put writes a blob, overwriting any previous content under the same key.
func (s *Store) Put(workspaceID, memoryID, filename string, data []byte) error {
	p, err := s.path(workspaceID, memoryID, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// Get reads a blob.
func (s *Store) Get(workspaceID, memoryID, filename string) ([]byte, error) {
	p, err := s.path(workspaceID, memoryID, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// DeleteMemory removes every blob stored for a memory. Removing a memory
// that has no blobs is not an error.
func (s *Store) DeleteMemory(workspaceID, memoryID string) error {
	for _, c := range []string{workspaceID, memoryID} {
		if !validComponent(c) {
			return fmt.Errorf("%w: %q", ErrInvalidName, c)
		}
	}
	dir := filepath.Join(s.root, workspaceID, memoryID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove blobs: %w", err)
	}
	return nil
}

// DeleteWorkspace removes every blob stored for a workspace.
func (s *Store) DeleteWorkspace(workspaceID string) error {
	if !validComponent(workspaceID) {
		return fmt.Errorf("%w: %q", ErrInvalidName, workspaceID)
	}
	dir := filepath.Join(s.root, workspaceID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace blobs: %w", err)
	}
	return nil
}
