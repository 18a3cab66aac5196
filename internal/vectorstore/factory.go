package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/config"
)

// pointUUID derives a stable UUID for a memory id, for backends that require
// UUID point ids.
func pointUUID(memoryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(memoryID)).String()
}

// NewIndex builds the configured semantic backend. Provider "none" returns a
// no-op index; recall then degrades to keyword-only ranking.
func NewIndex(cfg config.VectorStoreConfig, logger *zap.Logger) (Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Provider {
	case "chromem", "":
		return NewChromemIndex(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			VectorSize: cfg.Chromem.VectorSize,
		}, logger)
	case "qdrant":
		return NewQdrantIndex(QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		}, logger)
	case "none":
		return NoopIndex{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// NoopIndex is the disabled backend. Searches return nothing, so recall falls
// back to keyword ranking.
type NoopIndex struct{}

func (NoopIndex) Upsert(context.Context, string, string, string, []string) error { return nil }

func (NoopIndex) Search(context.Context, string, string, int) ([]Hit, error) { return nil, nil }

func (NoopIndex) Delete(context.Context, string, string) error { return nil }

func (NoopIndex) Close() error { return nil }
