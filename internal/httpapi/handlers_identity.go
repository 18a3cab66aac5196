package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scrypster/memento/internal/workspace"
)

func (s *Server) handleIdentityGet(c echo.Context) error {
	snap, err := s.identity.Latest(c.Request().Context(), requestEnv(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

type identityPutRequest struct {
	Crystal string `json:"crystal"`
}

func (s *Server) handleIdentityPut(c echo.Context) error {
	var req identityPutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	snap, err := s.identity.Put(c.Request().Context(), requestEnv(c), req.Crystal)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCrystallize(c echo.Context) error {
	snap, err := s.identity.Crystallize(c.Request().Context(), requestEnv(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleIdentityHistory(c echo.Context) error {
	history, err := s.identity.History(c.Request().Context(), requestEnv(c), intParam(c, "limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	if history == nil {
		history = []workspace.IdentitySnapshot{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"snapshots": history,
		"count":     len(history),
	})
}
