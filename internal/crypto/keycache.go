package crypto

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// WrappedKeyStore reads and persists wrapped workspace keys. Implemented by
// the control store.
type WrappedKeyStore interface {
	// WrappedKey returns the wrapped-key blob for a workspace, or "" when
	// none has been provisioned yet.
	WrappedKey(ctx context.Context, workspaceID string) (string, error)

	// SetWrappedKey persists a freshly wrapped key on the workspace row.
	SetWrappedKey(ctx context.Context, workspaceID, blob string) error
}

// KeyCache caches unwrapped workspace keys for the process lifetime.
//
// Hits take only a read lock. Misses unwrap (or provision) the key under a
// per-workspace singleflight so concurrent first requests for the same
// workspace do a single unwrap.
type KeyCache struct {
	masterKey []byte
	store     WrappedKeyStore
	logger    *zap.Logger

	mu    sync.RWMutex
	keys  map[string][]byte
	group singleflight.Group
}

// NewKeyCache creates a key cache. masterKey must be 32 bytes.
func NewKeyCache(masterKey []byte, store WrappedKeyStore, logger *zap.Logger) (*KeyCache, error) {
	if len(masterKey) != keySize {
		return nil, ErrInvalidKey
	}
	if store == nil {
		return nil, fmt.Errorf("wrapped key store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyCache{
		masterKey: masterKey,
		store:     store,
		logger:    logger,
		keys:      make(map[string][]byte),
	}, nil
}

// WorkspaceKey returns the unwrapped data key for a workspace, generating,
// wrapping, and persisting a fresh key on the workspace's first use.
func (c *KeyCache) WorkspaceKey(ctx context.Context, workspaceID string) ([]byte, error) {
	c.mu.RLock()
	key, ok := c.keys[workspaceID]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	v, err, _ := c.group.Do(workspaceID, func() (interface{}, error) {
		// Re-check under the flight; a concurrent caller may have won.
		c.mu.RLock()
		key, ok := c.keys[workspaceID]
		c.mu.RUnlock()
		if ok {
			return key, nil
		}

		key, err := c.materialize(ctx, workspaceID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.keys[workspaceID] = key
		c.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *KeyCache) materialize(ctx context.Context, workspaceID string) ([]byte, error) {
	blob, err := c.store.WrappedKey(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read wrapped key: %w", err)
	}
	if blob != "" {
		key, err := UnwrapKey(blob, c.masterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap workspace key: %w", err)
		}
		return key, nil
	}

	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(key, c.masterKey)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetWrappedKey(ctx, workspaceID, wrapped); err != nil {
		return nil, fmt.Errorf("failed to persist wrapped key: %w", err)
	}
	c.logger.Info("provisioned workspace key", zap.String("workspace_id", workspaceID))
	return key, nil
}

// Invalidate drops a cached key. Test hook only; production entries live for
// the process lifetime.
func (c *KeyCache) Invalidate(workspaceID string) {
	c.mu.Lock()
	delete(c.keys, workspaceID)
	c.mu.Unlock()
}
