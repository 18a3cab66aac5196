package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/graph"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

// imageUpload is one inline image attachment; data is base64 in transit.
type imageUpload struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type memoryCreateRequest struct {
	Content   string              `json:"content"`
	Type      string              `json:"type"`
	Tags      []string            `json:"tags"`
	ExpiresAt *time.Time          `json:"expires_at"`
	Linkages  []workspace.Linkage `json:"linkages"`
	Images    []imageUpload       `json:"images"`
}

func (s *Server) handleMemoryCreate(c echo.Context) error {
	var req memoryCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	create := memories.CreateRequest{
		Content:   req.Content,
		Type:      req.Type,
		Tags:      req.Tags,
		ExpiresAt: req.ExpiresAt,
		Linkages:  req.Linkages,
	}
	for _, img := range req.Images {
		create.Images = append(create.Images, memories.ImageUpload{
			Filename: img.Filename, MimeType: img.MimeType, Data: img.Data,
		})
	}

	m, err := s.memories.Create(c.Request().Context(), requestEnv(c), create)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) handleMemoryList(c echo.Context) error {
	f := workspace.MemoryFilter{
		Type:   workspace.MemoryType(strings.ToLower(c.QueryParam("type"))),
		Tags:   splitCSV(c.QueryParam("tags")),
		Status: workspace.MemoryStatus(strings.ToLower(c.QueryParam("status"))),
		Sort:   c.QueryParam("sort"),
		Limit:  intParam(c, "limit", 0),
		Offset: intParam(c, "offset", 0),
	}

	list, err := s.memories.List(c.Request().Context(), requestEnv(c), f)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []workspace.Memory{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories": list,
		"count":    len(list),
	})
}

func (s *Server) handleMemoryGet(c echo.Context) error {
	m, err := s.memories.Get(c.Request().Context(), requestEnv(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

type memoryUpdateRequest struct {
	Content         *string             `json:"content"`
	Type            *string             `json:"type"`
	Tags            []string            `json:"tags"`
	ExpiresAt       *time.Time          `json:"expires_at"`
	ClearExpiration bool                `json:"clear_expiration"`
	Linkages        []workspace.Linkage `json:"linkages"`
}

func (s *Server) handleMemoryUpdate(c echo.Context) error {
	var req memoryUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	m, err := s.memories.Update(c.Request().Context(), requestEnv(c), c.Param("id"), memories.UpdateRequest{
		Content:         req.Content,
		Type:            req.Type,
		Tags:            req.Tags,
		ExpiresAt:       req.ExpiresAt,
		ClearExpiration: req.ClearExpiration,
		Linkages:        req.Linkages,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleMemoryDelete(c echo.Context) error {
	if err := s.memories.Delete(c.Request().Context(), requestEnv(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// recallResult is one ranked recall hit on the wire.
type recallResult struct {
	Memory       *workspace.Memory `json:"memory"`
	Score        float64           `json:"score"`
	KeywordScore float64           `json:"keyword_score"`
	VectorScore  *float64          `json:"vector_score,omitempty"`
	Workspace    string            `json:"workspace,omitempty"`
}

// recallJSON is the structured (format=json) recall response.
type recallJSON struct {
	Results []recallResult `json:"results"`
	Ranking string         `json:"ranking"`
	Terms   []string       `json:"query_terms,omitempty"`
	Count   int            `json:"count"`
	Peeked  []string       `json:"peeked_workspaces,omitempty"`
}

func (s *Server) handleRecall(c echo.Context) error {
	env := requestEnv(c)
	req := memories.RecallRequest{
		Query:       c.QueryParam("query"),
		Tags:        splitCSV(c.QueryParam("tags")),
		Type:        c.QueryParam("type"),
		Limit:       intParam(c, "limit", 0),
		TrackAccess: c.QueryParam("track_access") != "false",
	}

	results, ranking, terms, peeked, err := s.recallWithPeeks(c, env, req)
	if err != nil {
		return writeError(c, err)
	}

	if c.QueryParam("format") == "json" {
		return c.JSON(http.StatusOK, recallJSON{
			Results: results,
			Ranking: ranking,
			Terms:   terms,
			Count:   len(results),
			Peeked:  peeked,
		})
	}
	return agentText(c, recallText(req.Query, results))
}

// recallWithPeeks runs the recall pipeline over the active workspace and,
// read-only and in parallel, over every resolved peek workspace, merging by
// score descending with created-at tie-break.
func (s *Server) recallWithPeeks(c echo.Context, env *tenant.Env, req memories.RecallRequest) ([]recallResult, string, []string, []string, error) {
	ctx := c.Request().Context()
	limit := req.Limit
	if limit <= 0 {
		limit = memories.DefaultRecallLimit
	}

	local, err := s.memories.Recall(ctx, env, req)
	if err != nil {
		return nil, "", nil, nil, err
	}

	hybrid := local.Ranking == "hybrid"
	results := make([]recallResult, 0, len(local.Results))
	for _, r := range local.Results {
		results = append(results, toRecallResult(r, hybrid, ""))
	}

	var peeked []string
	if len(env.Peeks) > 0 {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := range env.Peeks {
			peek := &env.Peeks[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				peekReq := req
				peekReq.TrackAccess = false
				got, err := s.memories.RecallPeek(ctx, peek, peekReq)
				if err != nil {
					s.logger.Warn("peek recall failed",
						zap.String("workspace", peek.WorkspaceName), zap.Error(err))
					return
				}
				mu.Lock()
				defer mu.Unlock()
				peeked = append(peeked, peek.WorkspaceName)
				for _, r := range got.Results {
					results = append(results, toRecallResult(r, got.Ranking == "hybrid", peek.WorkspaceName))
				}
			}()
		}
		wg.Wait()
		sort.Strings(peeked)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, local.Ranking, local.Terms, peeked, nil
}

func toRecallResult(r memories.RecallResult, hybrid bool, workspaceName string) recallResult {
	out := recallResult{
		Memory:       r.Memory,
		Score:        r.Score,
		KeywordScore: r.KeywordScore,
		Workspace:    workspaceName,
	}
	if hybrid {
		vec := r.VectorScore
		out.VectorScore = &vec
	}
	return out
}

// recallText renders the agent-facing recall prose.
func recallText(query string, results []recallResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No memories found for %q.", query)
	}

	noun := "memories"
	if len(results) == 1 {
		noun = "memory"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s for %q:\n", len(results), noun, query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, r.Memory.Type, r.Memory.Content)
		if len(r.Memory.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(r.Memory.Tags, ", "))
		}
		if r.Workspace != "" {
			fmt.Fprintf(&b, " [from %s]", r.Workspace)
		}
	}
	return b.String()
}

type ingestRequest struct {
	Memories []ingestEntry `json:"memories"`
	Source   string        `json:"source"`
}

type ingestEntry struct {
	Content string   `json:"content"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Memories) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "memories array is required")
	}
	if req.Source == "" {
		req.Source = "ingest"
	}

	entries := make([]memories.IngestEntry, 0, len(req.Memories))
	for _, e := range req.Memories {
		entries = append(entries, memories.IngestEntry{Content: e.Content, Type: e.Type, Tags: e.Tags})
	}

	stored, err := s.memories.Ingest(c.Request().Context(), requestEnv(c), entries, req.Source)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"stored": len(stored),
	})
}

func (s *Server) handleMemoryGraph(c echo.Context) error {
	env := requestEnv(c)
	depth := intParam(c, "depth", 2)

	g, err := graph.NewService(env.Store, s.logger)
	if err != nil {
		return err
	}
	sub, err := g.Subgraph(c.Request().Context(), c.Param("id"), depth)
	if err != nil {
		return writeError(c, err)
	}
	for i := range sub.Nodes {
		if sub.Nodes[i].Content, err = env.Decrypt(sub.Nodes[i].Content); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleMemoryRelated(c echo.Context) error {
	env := requestEnv(c)
	g, err := graph.NewService(env.Store, s.logger)
	if err != nil {
		return err
	}
	relations, err := g.Related(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if relations == nil {
		relations = []graph.Relation{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"relations": relations,
	})
}

// splitCSV splits a comma-separated query parameter, dropping blanks.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// intParam parses an integer query parameter with a default.
func intParam(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
