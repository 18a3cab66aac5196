package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager caches open workspace stores for the process lifetime.
//
// Handles are shared across all concurrent requests for a workspace. Hits
// take only a read lock; a miss opens the database under a per-workspace
// singleflight.
type Manager struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	stores map[string]*Store
	group  singleflight.Group
}

// NewManager creates a manager rooted at dataDir.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("workspace data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Manager{
		dataDir: dataDir,
		logger:  logger,
		stores:  make(map[string]*Store),
	}, nil
}

// Get returns the open store for a workspace, opening it on first use.
func (m *Manager) Get(id, name, dbURL string) (*Store, error) {
	m.mu.RLock()
	store, ok := m.stores[id]
	m.mu.RUnlock()
	if ok {
		return store, nil
	}

	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		m.mu.RLock()
		store, ok := m.stores[id]
		m.mu.RUnlock()
		if ok {
			return store, nil
		}

		store, err := Open(id, name, m.resolveLocator(id, dbURL), m.logger.With(zap.String("workspace", name)))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.stores[id] = store
		m.mu.Unlock()
		m.logger.Debug("opened workspace database",
			zap.String("workspace_id", id), zap.String("workspace", name))
		return store, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// resolveLocator turns a registry db_url into a driver locator. An empty
// db_url derives a file from the workspace id, so each workspace gets its
// own database. Bare file names land under the data directory; absolute
// paths and SQLite URI forms pass through.
func (m *Manager) resolveLocator(id, dbURL string) string {
	if dbURL == "" {
		return filepath.Join(m.dataDir, id+".db")
	}
	if strings.HasPrefix(dbURL, "file:") || strings.Contains(dbURL, ":memory:") || filepath.IsAbs(dbURL) {
		return dbURL
	}
	return filepath.Join(m.dataDir, dbURL)
}

// Evict closes and forgets one workspace handle (used on workspace delete).
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	store, ok := m.stores[id]
	if ok {
		delete(m.stores, id)
	}
	m.mu.Unlock()
	if ok {
		if err := store.Close(); err != nil {
			m.logger.Warn("failed to close workspace store",
				zap.String("workspace_id", id), zap.Error(err))
		}
	}
}

// Close closes every open handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, store := range m.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, id)
	}
	return firstErr
}
