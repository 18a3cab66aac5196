package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/scrypster/memento/internal/workingmem"
	"github.com/scrypster/memento/internal/workspace"
)

func (s *Server) handleSections(c echo.Context) error {
	sections, err := s.items.Sections(c.Request().Context(), requestEnv(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sections": sections,
	})
}

func (s *Server) handleSectionGet(c echo.Context) error {
	section := c.Param("section")
	items, err := s.items.SectionItems(c.Request().Context(), requestEnv(c), section)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []workspace.Item{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"section": section,
		"items":   items,
	})
}

type sectionPutRequest struct {
	Items []string `json:"items"`
}

// handleSectionPut replaces a section wholesale: existing items in the
// category are archived and the given titles become new active items.
func (s *Server) handleSectionPut(c echo.Context) error {
	var req sectionPutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	section := c.Param("section")
	items, err := s.items.ReplaceSection(c.Request().Context(), requestEnv(c), section, req.Items)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []workspace.Item{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"section": section,
		"items":   items,
	})
}

type itemCreateRequest struct {
	Category   string   `json:"category"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Status     string   `json:"status"`
	Priority   int      `json:"priority"`
	Tags       []string `json:"tags"`
	NextAction string   `json:"next_action"`
}

func (s *Server) handleItemCreate(c echo.Context) error {
	var req itemCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	it, err := s.items.Create(c.Request().Context(), requestEnv(c), workingmem.CreateRequest{
		Category:   req.Category,
		Title:      req.Title,
		Content:    req.Content,
		Status:     req.Status,
		Priority:   req.Priority,
		Tags:       req.Tags,
		NextAction: req.NextAction,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, it)
}

func (s *Server) handleItemList(c echo.Context) error {
	items, err := s.items.List(c.Request().Context(), requestEnv(c), workingmem.ListRequest{
		Category:        c.QueryParam("category"),
		Status:          c.QueryParam("status"),
		Query:           c.QueryParam("query"),
		IncludeArchived: c.QueryParam("include_archived") == "true",
		Limit:           intParam(c, "limit", 0),
		Offset:          intParam(c, "offset", 0),
	})
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []workspace.Item{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleItemGet(c echo.Context) error {
	it, err := s.items.Get(c.Request().Context(), requestEnv(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

type itemUpdateRequest struct {
	Category   *string  `json:"category"`
	Title      *string  `json:"title"`
	Content    *string  `json:"content"`
	Status     *string  `json:"status"`
	Priority   *int     `json:"priority"`
	Tags       []string `json:"tags"`
	NextAction *string  `json:"next_action"`
}

func (s *Server) handleItemUpdate(c echo.Context) error {
	var req itemUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	it, err := s.items.Update(c.Request().Context(), requestEnv(c), c.Param("id"), workingmem.UpdateRequest{
		Category:   req.Category,
		Title:      req.Title,
		Content:    req.Content,
		Status:     req.Status,
		Priority:   req.Priority,
		Tags:       req.Tags,
		NextAction: req.NextAction,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

func (s *Server) handleItemDelete(c echo.Context) error {
	if err := s.items.Delete(c.Request().Context(), requestEnv(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
