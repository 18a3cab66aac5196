package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("memento.vectorstore.chromem")

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty runs in-memory
	// (tests).
	Path string

	// Compress enables gzip compression of persisted data.
	Compress bool

	// VectorSize is the embedding dimension.
	VectorSize int
}

// ApplyDefaults sets defaults for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.VectorSize == 0 {
		c.VectorSize = 256
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex implements Index on chromem-go, an embeddable pure-Go vector
// database. One collection per workspace keeps tenants physically separate
// inside the index.
type ChromemIndex struct {
	db     *chromem.DB
	config ChromemConfig
	embed  chromem.EmbeddingFunc
	logger *zap.Logger

	mu sync.Mutex // guards collection create
}

// NewChromemIndex creates the embedded index.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	var err error
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem database: %w", err)
		}
	}

	return &ChromemIndex{
		db:     db,
		config: config,
		embed:  chromem.EmbeddingFunc(localEmbedding(config.VectorSize)),
		logger: logger,
	}, nil
}

func (s *ChromemIndex) collection(workspaceID string) (*chromem.Collection, error) {
	name, err := collectionName(workspaceID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.db.GetOrCreateCollection(name, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	return col, nil
}

// Upsert implements Index.
func (s *ChromemIndex) Upsert(ctx context.Context, workspaceID, memoryID, content string, tags []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("memory.id", memoryID))

	col, err := s.collection(workspaceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "collection open failed")
		return err
	}

	doc := chromem.Document{
		ID:      memoryID,
		Content: content,
		Metadata: map[string]string{
			"tags": strings.Join(tags, ","),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add document failed")
		return fmt.Errorf("failed to index memory %s: %w", memoryID, err)
	}
	return nil
}

// Search implements Index.
func (s *ChromemIndex) Search(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	col, err := s.collection(workspaceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "collection open failed")
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	results, err := col.Query(ctx, query, limit, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{MemoryID: r.ID, Score: clampScore(float64(r.Similarity))})
	}
	return hits, nil
}

// Delete implements Index.
func (s *ChromemIndex) Delete(ctx context.Context, workspaceID, memoryID string) error {
	col, err := s.collection(workspaceID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, memoryID); err != nil {
		return fmt.Errorf("failed to evict memory %s: %w", memoryID, err)
	}
	return nil
}

// Close implements Index. chromem holds no external resources.
func (s *ChromemIndex) Close() error { return nil }
