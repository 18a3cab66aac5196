package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

// workspaceInfo is one registry row on the wire.
type workspaceInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type workspaceCreateRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleWorkspaceCreate(c echo.Context) error {
	var req workspaceCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	env := requestEnv(c)
	ctx := c.Request().Context()
	if !env.Plan.Unlimited(env.Plan.WorkspaceLimit) {
		count, err := s.control.CountWorkspaces(ctx, env.UserID)
		if err != nil {
			return writeError(c, err)
		}
		if count >= env.Plan.WorkspaceLimit {
			return writeError(c, &tenant.QuotaError{
				Resource: "workspaces", Limit: env.Plan.WorkspaceLimit, Current: count,
			})
		}
	}

	ws, err := s.control.CreateWorkspace(ctx, env.UserID, req.Name, "", "")
	if err != nil {
		if errors.Is(err, control.ErrWorkspaceExists) {
			return echo.NewHTTPError(http.StatusBadRequest, "workspace already exists")
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, workspaceInfo{ID: ws.ID, Name: ws.Name, CreatedAt: ws.CreatedAt})
}

func (s *Server) handleWorkspaceList(c echo.Context) error {
	env := requestEnv(c)
	list, err := s.control.ListWorkspaces(c.Request().Context(), env.UserID)
	if err != nil {
		return writeError(c, err)
	}

	out := make([]workspaceInfo, 0, len(list))
	for _, ws := range list {
		out = append(out, workspaceInfo{ID: ws.ID, Name: ws.Name, CreatedAt: ws.CreatedAt})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workspaces": out,
		"count":      len(out),
	})
}

func (s *Server) handleWorkspaceDelete(c echo.Context) error {
	env := requestEnv(c)
	id := c.Param("id")

	if err := s.control.DeleteWorkspace(c.Request().Context(), env.UserID, id); err != nil {
		return writeError(c, err)
	}
	s.manager.Evict(id)
	go func() {
		if err := s.blobs.DeleteWorkspace(id); err != nil {
			s.logger.Warn("workspace blob cleanup failed",
				zap.String("workspace_id", id), zap.Error(err))
		}
	}()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSettingsGet(c echo.Context) error {
	env := requestEnv(c)
	settings, err := env.Store.AllSettings(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"settings": settings,
	})
}

type settingPutRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSettingPut(c echo.Context) error {
	var req settingPutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	key := c.Param("key")
	if err := validateSetting(key, req.Value); err != nil {
		return writeError(c, err)
	}

	env := requestEnv(c)
	if err := env.Store.SetSetting(c.Request().Context(), key, req.Value); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"key":   key,
		"value": req.Value,
	})
}

func (s *Server) handleSettingDelete(c echo.Context) error {
	env := requestEnv(c)
	if err := env.Store.DeleteSetting(c.Request().Context(), c.Param("key")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// validateSetting checks recognized keys; unknown keys are stored verbatim
// for forward compatibility.
func validateSetting(key, value string) error {
	switch key {
	case workspace.SettingRecallAlpha, workspace.SettingRecallThreshold:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("%w: setting %s must be a float in [0,1]", tenant.ErrValidation, key)
		}
	}
	return nil
}
