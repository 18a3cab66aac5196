package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/workspace"
)

// handleHealth reports the authenticated workspace's state as plaintext
// prose: working-memory freshness, memory counts by status, skip-list size,
// access-log total, and quota usage.
func (s *Server) handleHealth(c echo.Context) error {
	env := requestEnv(c)
	ctx := c.Request().Context()

	items, err := env.Store.ListItems(ctx, workspace.ItemFilter{})
	if err != nil {
		return writeError(c, err)
	}
	active, consolidated, expired, err := env.Store.CountMemoriesByStatus(ctx)
	if err != nil {
		return writeError(c, err)
	}
	skips, err := env.Store.CountSkipEntries(ctx)
	if err != nil {
		return writeError(c, err)
	}
	accesses, err := env.Store.CountAccessLog(ctx)
	if err != nil {
		return writeError(c, err)
	}
	workspaces, err := s.control.CountWorkspaces(ctx, env.UserID)
	if err != nil {
		return writeError(c, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "memento workspace %q\n\n", env.WorkspaceName)
	fmt.Fprintf(&b, "working memory: %d items%s\n", len(items), freshness(items))
	fmt.Fprintf(&b, "memories: %d active, %d consolidated, %d expired\n", active, consolidated, expired)
	fmt.Fprintf(&b, "skip list: %d entries\n", skips)
	fmt.Fprintf(&b, "access log: %d recorded recalls\n", accesses)
	fmt.Fprintf(&b, "quota: memories %s, items %s, workspaces %s\n",
		quotaUsage(active+consolidated+expired, env.Plan.MemoryLimit, env.Plan),
		quotaUsage(len(items), env.Plan.ItemLimit, env.Plan),
		quotaUsage(workspaces, env.Plan.WorkspaceLimit, env.Plan))

	return c.String(http.StatusOK, b.String())
}

// freshness reports how recently working memory was touched.
func freshness(items []workspace.Item) string {
	var latest time.Time
	for _, it := range items {
		if it.LastTouched.After(latest) {
			latest = it.LastTouched
		}
	}
	if latest.IsZero() {
		return ""
	}
	return fmt.Sprintf(", last touched %s ago", time.Since(latest).Round(time.Minute))
}

// quotaUsage renders "n / limit", or "n (unlimited)" for unlimited plans.
func quotaUsage(current, limit int, plan control.Plan) string {
	if plan.Unlimited(limit) {
		return fmt.Sprintf("%d (unlimited)", current)
	}
	return fmt.Sprintf("%d / %d", current, limit)
}

// imageCacheControl is a long-lived cache policy: blobs are keyed by memory
// id and filename and never change in place.
const imageCacheControl = "public, max-age=31536000, immutable"

// handleImage serves an image blob iff the workspace in the path matches the
// authenticated workspace.
func (s *Server) handleImage(c echo.Context) error {
	env := requestEnv(c)
	workspaceID := c.Param("workspace")
	memoryID := c.Param("memory_id")
	filename := c.Param("filename")

	if workspaceID != env.WorkspaceID {
		return echo.NewHTTPError(http.StatusForbidden, "workspace mismatch")
	}

	data, err := s.blobs.Get(workspaceID, memoryID, filename)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	}

	mime := "application/octet-stream"
	if m, err := env.Store.GetMemory(c.Request().Context(), memoryID); err == nil {
		for _, img := range m.Images {
			if img.Filename == filename {
				mime = img.MimeType
				break
			}
		}
	}

	c.Response().Header().Set("Cache-Control", imageCacheControl)
	return c.Blob(http.StatusOK, mime, data)
}
