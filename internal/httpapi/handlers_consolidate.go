package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scrypster/memento/internal/composer"
	"github.com/scrypster/memento/internal/consolidate"
)

func (s *Server) handleConsolidate(c echo.Context) error {
	result, err := s.consolidator.Run(c.Request().Context(), requestEnv(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type consolidateGroupRequest struct {
	SourceIDs []string `json:"source_ids"`
	Summary   string   `json:"summary"`
	Type      string   `json:"type"`
	Tags      []string `json:"tags"`
}

func (s *Server) handleConsolidateGroup(c echo.Context) error {
	var req consolidateGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.consolidator.Merge(c.Request().Context(), requestEnv(c), consolidate.MergeRequest{
		SourceIDs: req.SourceIDs,
		Summary:   req.Summary,
		Type:      req.Type,
		ExtraTags: req.Tags,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

type contextRequest struct {
	Message        string   `json:"message"`
	Include        []string `json:"include"`
	Limit          int      `json:"limit"`
	PeekWorkspaces []string `json:"peek_workspaces"`
}

func (s *Server) handleContext(c echo.Context) error {
	var req contextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	env := requestEnv(c)
	if len(env.Peeks) == 0 && len(req.PeekWorkspaces) > 0 {
		peeks, err := s.resolvePeeks(c.Request().Context(), env.UserID, env.WorkspaceName, req.PeekWorkspaces)
		if err != nil {
			return writeError(c, err)
		}
		env.Peeks = peeks
	}

	resp, err := s.composer.Compose(c.Request().Context(), env, composer.Request{
		Message: req.Message,
		Include: req.Include,
		Limit:   req.Limit,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type distillRequest struct {
	Transcript string `json:"transcript"`
}

func (s *Server) handleDistill(c echo.Context) error {
	var req distillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	stored, err := s.distiller.Distill(c.Request().Context(), requestEnv(c), req.Transcript)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"memories_extracted": stored,
	})
}
