// Package memories implements memory CRUD and recall: validated writes with
// field encryption, image attachments, quota enforcement, and the ranked
// recall pipeline over the scoring engine and the semantic index.
package memories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/blob"
	"github.com/scrypster/memento/internal/graph"
	"github.com/scrypster/memento/internal/ids"
	"github.com/scrypster/memento/internal/scoring"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/vectorstore"
	"github.com/scrypster/memento/internal/workspace"
)

const (
	// MaxImages caps inline image attachments per memory.
	MaxImages = 5

	// MaxImageSize caps each attachment at 10 MiB.
	MaxImageSize = 10 << 20

	// MaxIngest caps one bulk-ingest call.
	MaxIngest = 100

	// DefaultRecallLimit applies when a recall names no limit.
	DefaultRecallLimit = 10

	// vectorSearchTimeout bounds the semantic backend call; on timeout the
	// recall degrades to keyword ranking.
	vectorSearchTimeout = 3 * time.Second
)

// allowedImageTypes is the accepted attachment mimetype set.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Service implements memory operations over a tenant Env.
type Service struct {
	blobs  *blob.Store
	index  vectorstore.Index
	logger *zap.Logger
}

// NewService creates the memory service.
func NewService(blobs *blob.Store, index vectorstore.Index, logger *zap.Logger) (*Service, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if index == nil {
		index = vectorstore.NoopIndex{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{blobs: blobs, index: index, logger: logger}, nil
}

// ImageUpload is one inline image attachment on a create request.
type ImageUpload struct {
	Filename string
	MimeType string
	Data     []byte
}

// CreateRequest holds the validated-on-entry fields of a memory create.
type CreateRequest struct {
	Content   string
	Type      string
	Tags      []string
	ExpiresAt *time.Time
	Linkages  []workspace.Linkage
	Images    []ImageUpload
}

// Create validates, encrypts, and persists a new memory, stores its image
// attachments, and schedules a fire-and-forget embedding of the plaintext.
func (s *Service) Create(ctx context.Context, env *tenant.Env, req CreateRequest) (*workspace.Memory, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", tenant.ErrValidation)
	}

	if !env.Plan.Unlimited(env.Plan.MemoryLimit) {
		count, err := env.Store.CountMemories(ctx)
		if err != nil {
			return nil, err
		}
		if count >= env.Plan.MemoryLimit {
			return nil, &tenant.QuotaError{Resource: "memories", Limit: env.Plan.MemoryLimit, Current: count}
		}
	}

	memType, err := workspace.NormalizeMemoryType(req.Type, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tenant.ErrValidation, err)
	}

	if len(req.Images) > MaxImages {
		return nil, fmt.Errorf("%w: at most %d images per memory", tenant.ErrValidation, MaxImages)
	}
	for _, img := range req.Images {
		if !allowedImageTypes[img.MimeType] {
			return nil, fmt.Errorf("%w: unsupported image type %q", tenant.ErrValidation, img.MimeType)
		}
		if len(img.Data) > MaxImageSize {
			return nil, fmt.Errorf("%w: image %s exceeds %d bytes", tenant.ErrValidation, img.Filename, MaxImageSize)
		}
		if img.Filename == "" {
			return nil, fmt.Errorf("%w: image filename is required", tenant.ErrValidation)
		}
	}

	m := &workspace.Memory{
		ID:        ids.New("mem"),
		Content:   req.Content,
		Type:      memType,
		Tags:      workspace.NormalizeTags(req.Tags),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: req.ExpiresAt,
		Relevance: 1,
		Linkages:  graph.ValidateLinkages(req.Linkages),
	}

	for _, img := range req.Images {
		if err := s.blobs.Put(env.WorkspaceID, m.ID, img.Filename, img.Data); err != nil {
			return nil, fmt.Errorf("failed to store image: %w", err)
		}
		m.Images = append(m.Images, workspace.ImageMeta{
			Filename: img.Filename,
			MimeType: img.MimeType,
			Size:     int64(len(img.Data)),
			Key:      env.WorkspaceID + "/" + m.ID + "/" + img.Filename,
		})
	}

	plaintext := m.Content
	m.Content, err = env.Encrypt(m.Content)
	if err != nil {
		return nil, err
	}
	if err := env.Store.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	m.Content = plaintext

	s.embedAsync(env.WorkspaceID, m.ID, plaintext, m.Tags)
	return m, nil
}

// embedAsync indexes plaintext content without coupling to the request.
// Index failures are logged and never surface.
func (s *Service) embedAsync(workspaceID, memoryID, content string, tags []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.index.Upsert(ctx, workspaceID, memoryID, content, tags); err != nil {
			s.logger.Warn("vector upsert failed",
				zap.String("memory_id", memoryID), zap.Error(err))
		}
	}()
}

// Get returns one memory, decrypted.
func (s *Service) Get(ctx context.Context, env *tenant.Env, id string) (*workspace.Memory, error) {
	m, err := env.Store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Content, err = env.Decrypt(m.Content); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns filtered memories, decrypted.
func (s *Service) List(ctx context.Context, env *tenant.Env, f workspace.MemoryFilter) ([]workspace.Memory, error) {
	out, err := env.Store.ListMemories(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Content, err = env.Decrypt(out[i].Content); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateRequest holds the partial fields of a memory update. Nil pointers
// leave the stored value unchanged.
type UpdateRequest struct {
	Content         *string
	Type            *string
	Tags            []string
	ExpiresAt       *time.Time
	ClearExpiration bool
	Linkages        []workspace.Linkage
}

// Update applies a partial update, revalidating linkages and re-encrypting
// content. Content changes re-index the memory.
func (s *Service) Update(ctx context.Context, env *tenant.Env, id string, req UpdateRequest) (*workspace.Memory, error) {
	m, err := env.Store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := env.Decrypt(m.Content)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			return nil, fmt.Errorf("%w: content cannot be emptied", tenant.ErrValidation)
		}
		plaintext = *req.Content
		contentChanged = true
	}
	if req.Type != nil {
		t, err := workspace.NormalizeMemoryType(*req.Type, false)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown memory type %q", tenant.ErrValidation, *req.Type)
		}
		m.Type = t
	}
	if req.Tags != nil {
		m.Tags = workspace.NormalizeTags(req.Tags)
	}
	if req.ClearExpiration {
		m.ExpiresAt = nil
	} else if req.ExpiresAt != nil {
		m.ExpiresAt = req.ExpiresAt
	}
	if req.Linkages != nil {
		m.Linkages = graph.ValidateLinkages(req.Linkages)
	}

	m.Content, err = env.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := env.Store.UpdateMemory(ctx, m); err != nil {
		return nil, err
	}
	m.Content = plaintext

	if contentChanged {
		s.embedAsync(env.WorkspaceID, m.ID, plaintext, m.Tags)
	}
	return m, nil
}

// Delete removes a memory and fire-and-forgets its blob and index cleanup.
func (s *Service) Delete(ctx context.Context, env *tenant.Env, id string) error {
	images, err := env.Store.DeleteMemory(ctx, id)
	if err != nil {
		return err
	}

	workspaceID := env.WorkspaceID
	go func() {
		if len(images) > 0 {
			if err := s.blobs.DeleteMemory(workspaceID, id); err != nil {
				s.logger.Warn("blob cleanup failed", zap.String("memory_id", id), zap.Error(err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.index.Delete(ctx, workspaceID, id); err != nil {
			s.logger.Warn("vector eviction failed", zap.String("memory_id", id), zap.Error(err))
		}
	}()
	return nil
}

// RecallRequest parameterizes a recall.
type RecallRequest struct {
	Query string
	Tags  []string
	Type  string
	Limit int

	// TrackAccess controls access-count and access-log writes for served
	// results. Peeked recalls always run with tracking off.
	TrackAccess bool
}

// RecallResult is one ranked recall hit.
type RecallResult struct {
	Memory       *workspace.Memory
	Score        float64
	KeywordScore float64
	VectorScore  float64
	HasVector    bool

	// Workspace names the originating workspace on peeked results.
	Workspace string
}

// RecallResponse is a ranked recall with its labelling metadata.
type RecallResponse struct {
	Results []RecallResult
	Ranking string // keyword | hybrid
	Terms   []string
}

// Recall runs the ranked recall pipeline over the request's own workspace:
// keyword ranking with decay over decrypted candidates, a parallel semantic
// query, hybrid merge, threshold, and fire-and-forget access tracking.
func (s *Service) Recall(ctx context.Context, env *tenant.Env, req RecallRequest) (*RecallResponse, error) {
	scope := env.Scope()
	resp, err := s.recallScope(ctx, &scope, req, req.TrackAccess)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RecallPeek runs the recall pipeline read-only against a peek workspace.
// No access tracking of any kind happens in the peeked workspace.
func (s *Service) RecallPeek(ctx context.Context, peek *tenant.Peek, req RecallRequest) (*RecallResponse, error) {
	return s.recallScope(ctx, peek, req, false)
}

func (s *Service) recallScope(ctx context.Context, scope *tenant.Peek, req RecallRequest, track bool) (*RecallResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	candidates, err := scope.Store.ActiveMemories(ctx)
	if err != nil {
		return nil, err
	}

	// Decrypt before scoring; ranking operates on plaintext.
	filtered := candidates[:0]
	for i := range candidates {
		m := &candidates[i]
		if req.Type != "" && m.Type != workspace.MemoryType(strings.ToLower(req.Type)) {
			continue
		}
		if len(req.Tags) > 0 && !hasAnyTag(m, req.Tags) {
			continue
		}
		if m.Content, err = scope.Decrypt(m.Content); err != nil {
			return nil, err
		}
		filtered = append(filtered, *m)
	}
	candidates = filtered

	terms := scoring.PrepareQuery(req.Query)
	threshold := scope.Store.FloatSetting(ctx, workspace.SettingRecallThreshold, 0)
	alpha := scope.Store.FloatSetting(ctx, workspace.SettingRecallAlpha, scoring.DefaultAlpha)
	now := time.Now().UTC()

	// Semantic search runs while keyword ranking happens in-process.
	hitsCh := make(chan []scoring.VectorHit, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, vectorSearchTimeout)
		defer cancel()
		hits, err := s.index.Search(sctx, scope.WorkspaceID, req.Query, limit*3)
		if err != nil {
			s.logger.Debug("semantic search unavailable", zap.Error(err))
			hitsCh <- nil
			return
		}
		out := make([]scoring.VectorHit, 0, len(hits))
		for _, h := range hits {
			if h.Score > 0 {
				out = append(out, scoring.VectorHit{MemoryID: h.MemoryID, Score: h.Score})
			}
		}
		hitsCh <- out
	}()

	keyword := scoring.RankKeyword(candidates, terms, threshold, now)
	abstained := len(terms) > 0 && len(keyword) == 0

	hits := <-hitsCh

	var ranked []scoring.Scored
	ranking := "keyword"
	switch {
	case abstained:
		// Concrete queries with no literal support return nothing even
		// when the semantic backend has weak neighbors.
	case len(hits) == 0:
		ranked = keyword
	default:
		ranking = "hybrid"
		byID := make(map[string]*workspace.Memory, len(candidates))
		for i := range candidates {
			byID[candidates[i].ID] = &candidates[i]
		}
		ranked = scoring.MergeHybrid(keyword, hits, alpha, threshold, func(id string) *workspace.Memory {
			return byID[id]
		})
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]RecallResult, 0, len(ranked))
	for _, r := range ranked {
		results = append(results, RecallResult{
			Memory:       r.Memory,
			Score:        r.Score,
			KeywordScore: r.Keyword,
			VectorScore:  r.Vector,
			HasVector:    r.HasVector,
		})
	}

	if track {
		s.trackAccess(scope.Store, results, req.Query)
	}

	return &RecallResponse{Results: results, Ranking: ranking, Terms: terms}, nil
}

// trackAccess bumps access counts and appends access-log rows for served
// results. Fire-and-forget; failures are logged and never gate the response.
func (s *Service) trackAccess(store *workspace.Store, results []RecallResult, query string) {
	memIDs := make([]string, 0, len(results))
	for _, r := range results {
		memIDs = append(memIDs, r.Memory.ID)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, id := range memIDs {
			if err := store.MarkAccessed(ctx, id, query); err != nil {
				s.logger.Warn("access tracking failed", zap.String("memory_id", id), zap.Error(err))
			}
		}
	}()
}

// IngestEntry is one bulk-ingest candidate.
type IngestEntry struct {
	Content string
	Type    string
	Tags    []string
}

// Ingest stores up to MaxIngest entries through the normal create pipeline,
// tagging each with source:<src>. Returns the stored memories.
func (s *Service) Ingest(ctx context.Context, env *tenant.Env, entries []IngestEntry, source string) ([]workspace.Memory, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: ingest array is empty", tenant.ErrValidation)
	}
	if len(entries) > MaxIngest {
		return nil, fmt.Errorf("%w: at most %d entries per ingest", tenant.ErrValidation, MaxIngest)
	}
	if source == "" {
		source = "ingest"
	}

	stored := make([]workspace.Memory, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		m, err := s.Create(ctx, env, CreateRequest{
			Content: e.Content,
			Type:    e.Type,
			Tags:    append(e.Tags, "source:"+source),
		})
		if err != nil {
			return stored, err
		}
		stored = append(stored, *m)
	}
	return stored, nil
}

func hasAnyTag(m *workspace.Memory, tags []string) bool {
	for _, t := range tags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}
