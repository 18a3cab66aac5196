package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

var qdrantTracer = otel.Tracer("memento.vectorstore.qdrant")

// QdrantConfig configures the remote qdrant backend.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	VectorSize int
	Timeout    time.Duration
}

// ApplyDefaults sets defaults for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 256
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex implements Index against a remote qdrant instance over gRPC.
// Embeddings are computed locally with the same hashing embedder as the
// chromem backend so the two are interchangeable.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	embed  func(ctx context.Context, text string) ([]float32, error)
	logger *zap.Logger

	mu      sync.Mutex
	created map[string]bool
}

// NewQdrantIndex connects to qdrant.
func NewQdrantIndex(config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             config.Timeout,
				PermitWithoutStream: true,
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &QdrantIndex{
		client:  client,
		config:  config,
		embed:   localEmbedding(config.VectorSize),
		logger:  logger,
		created: make(map[string]bool),
	}, nil
}

// ensureCollection creates the workspace collection if it does not exist.
func (s *QdrantIndex) ensureCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[name] {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		s.logger.Info("created qdrant collection", zap.String("collection", name))
	}
	s.created[name] = true
	return nil
}

// Upsert implements Index.
func (s *QdrantIndex) Upsert(ctx context.Context, workspaceID, memoryID, content string, tags []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("memory.id", memoryID))

	name, err := collectionName(workspaceID)
	if err != nil {
		return err
	}
	if err := s.ensureCollection(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure collection failed")
		return err
	}

	vec, err := s.embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	payload := map[string]any{"memory_id": memoryID}
	if len(tags) > 0 {
		payload["tags"] = tags
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointUUID(memoryID)),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("failed to index memory %s: %w", memoryID, err)
	}
	return nil
}

// Search implements Index.
func (s *QdrantIndex) Search(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	name, err := collectionName(workspaceID)
	if err != nil {
		return nil, err
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if !exists {
		return nil, nil
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()["memory_id"].GetStringValue()
		if id == "" {
			continue
		}
		hits = append(hits, Hit{MemoryID: id, Score: clampScore(float64(p.GetScore()))})
	}
	return hits, nil
}

// Delete implements Index.
func (s *QdrantIndex) Delete(ctx context.Context, workspaceID, memoryID string) error {
	name, err := collectionName(workspaceID)
	if err != nil {
		return err
	}
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if !exists {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: qdrant.NewPointsSelector(
			qdrant.NewIDUUID(pointUUID(memoryID)),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to evict memory %s: %w", memoryID, err)
	}
	return nil
}

// Close implements Index.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}
