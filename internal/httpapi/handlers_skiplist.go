package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/scrypster/memento/internal/skiplist"
	"github.com/scrypster/memento/internal/workspace"
)

func (s *Server) handleSkipList(c echo.Context) error {
	entries, err := s.skips.List(c.Request().Context(), requestEnv(c))
	if err != nil {
		return writeError(c, err)
	}
	if entries == nil {
		entries = []workspace.SkipEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

type skipAddRequest struct {
	Item      string    `json:"item"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleSkipAdd(c echo.Context) error {
	var req skipAddRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	entry, err := s.skips.Add(c.Request().Context(), requestEnv(c), skiplist.AddRequest{
		Item:      req.Item,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleSkipCheck(c echo.Context) error {
	query := c.QueryParam("query")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	match, err := s.skips.Check(c.Request().Context(), requestEnv(c), query)
	if err != nil {
		return writeError(c, err)
	}
	if match == nil {
		return agentText(c, fmt.Sprintf("Proceed: %q matches nothing on the skip list.", query))
	}
	return agentText(c, fmt.Sprintf("SKIP: %q matches skip-list entry %q (reason: %s, expires %s).",
		query, match.Item, match.Reason, match.ExpiresAt.Format("2006-01-02")))
}

func (s *Server) handleSkipDelete(c echo.Context) error {
	if err := s.skips.Delete(c.Request().Context(), requestEnv(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
