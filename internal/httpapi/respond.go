package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/tenant"
	"github.com/scrypster/memento/internal/workspace"
)

// textBlock is one agent-facing content block.
type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// agentResponse is the agent-facing response envelope: prose the agent can
// present directly.
type agentResponse struct {
	Content []textBlock `json:"content"`
}

// agentText writes a single-block agent-facing response.
func agentText(c echo.Context, text string) error {
	return c.JSON(http.StatusOK, agentResponse{
		Content: []textBlock{{Type: "text", Text: text}},
	})
}

// quotaResponse is the body of a 403 quota rejection.
type quotaResponse struct {
	Error   string `json:"error"`
	Limit   int    `json:"limit"`
	Current int    `json:"current"`
}

// writeError maps service errors onto the narrowest applicable status code.
// Unmapped errors bubble to echo's default handler as 500s.
func writeError(c echo.Context, err error) error {
	var quota *tenant.QuotaError
	switch {
	case errors.As(err, &quota):
		return c.JSON(http.StatusForbidden, quotaResponse{
			Error: "quota_exceeded", Limit: quota.Limit, Current: quota.Current,
		})
	case errors.Is(err, tenant.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, control.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return err
	}
}
