// Package httpapi provides the HTTP API for mementod: authenticated
// memory, working-memory, skip-list, identity, consolidation, and context
// endpoints, plus unauthenticated signup and metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/blob"
	"github.com/scrypster/memento/internal/composer"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/consolidate"
	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/crypto"
	"github.com/scrypster/memento/internal/distill"
	"github.com/scrypster/memento/internal/identity"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/skiplist"
	"github.com/scrypster/memento/internal/workingmem"
	"github.com/scrypster/memento/internal/workspace"
)

// Server provides HTTP endpoints for mementod.
type Server struct {
	echo   *echo.Echo
	logger *zap.Logger
	config *config.Config

	control      *control.Store
	manager      *workspace.Manager
	keys         *crypto.KeyCache
	memories     *memories.Service
	items        *workingmem.Service
	skips        *skiplist.Service
	identity     *identity.Service
	consolidator *consolidate.Service
	distiller    *distill.Service
	composer     *composer.Composer
	blobs        *blob.Store
	signups      *signupLimiter
	metrics      *httpMetrics
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Control *control.Store
	Manager *workspace.Manager

	// Keys is nil when field encryption is not configured.
	Keys *crypto.KeyCache

	Memories     *memories.Service
	Items        *workingmem.Service
	Skips        *skiplist.Service
	Identity     *identity.Service
	Consolidator *consolidate.Service
	Distiller    *distill.Service
	Composer     *composer.Composer
	Blobs        *blob.Store

	// Registry receives the request metrics. A nil registry disables them.
	Registry *prometheus.Registry
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Control == nil || deps.Manager == nil {
		return nil, fmt.Errorf("control store and workspace manager are required")
	}
	if deps.Memories == nil || deps.Items == nil || deps.Skips == nil ||
		deps.Identity == nil || deps.Consolidator == nil || deps.Distiller == nil ||
		deps.Composer == nil || deps.Blobs == nil {
		return nil, fmt.Errorf("all services are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:         e,
		logger:       logger,
		config:       deps.Config,
		control:      deps.Control,
		manager:      deps.Manager,
		keys:         deps.Keys,
		memories:     deps.Memories,
		items:        deps.Items,
		skips:        deps.Skips,
		identity:     deps.Identity,
		consolidator: deps.Consolidator,
		distiller:    deps.Distiller,
		composer:     deps.Composer,
		blobs:        deps.Blobs,
		signups:      newSignupLimiter(deps.Config.Signup),
	}
	if deps.Registry != nil {
		s.metrics = newHTTPMetrics(deps.Registry)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			if s.metrics != nil {
				s.metrics.observe(c.Request().Method, c.Path(), c.Response().Status, duration)
			}
			return err
		}
	})
	e.Use(s.authenticate)

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	e := s.echo

	e.POST("/auth/signup", s.handleSignup)
	if s.metrics != nil {
		e.GET("/metrics", s.metrics.handler())
	}

	e.POST("/memories", s.handleMemoryCreate)
	e.GET("/memories", s.handleMemoryList)
	e.GET("/memories/recall", s.handleRecall)
	e.POST("/memories/ingest", s.handleIngest)
	e.GET("/memories/:id", s.handleMemoryGet)
	e.PUT("/memories/:id", s.handleMemoryUpdate)
	e.DELETE("/memories/:id", s.handleMemoryDelete)
	e.GET("/memories/:id/graph", s.handleMemoryGraph)
	e.GET("/memories/:id/related", s.handleMemoryRelated)

	e.GET("/working-memory", s.handleSections)
	e.POST("/working-memory/items", s.handleItemCreate)
	e.GET("/working-memory/items", s.handleItemList)
	e.GET("/working-memory/items/:id", s.handleItemGet)
	e.PUT("/working-memory/items/:id", s.handleItemUpdate)
	e.DELETE("/working-memory/items/:id", s.handleItemDelete)
	e.GET("/working-memory/:section", s.handleSectionGet)
	e.PUT("/working-memory/:section", s.handleSectionPut)

	e.GET("/skip-list", s.handleSkipList)
	e.POST("/skip-list", s.handleSkipAdd)
	e.GET("/skip-list/check", s.handleSkipCheck)
	e.DELETE("/skip-list/:id", s.handleSkipDelete)

	e.GET("/identity", s.handleIdentityGet)
	e.PUT("/identity", s.handleIdentityPut)
	e.POST("/identity/crystallize", s.handleCrystallize)
	e.GET("/identity/history", s.handleIdentityHistory)

	e.POST("/consolidate", s.handleConsolidate)
	e.POST("/consolidate/group", s.handleConsolidateGroup)

	e.POST("/context", s.handleContext)
	e.POST("/distill", s.handleDistill)

	e.POST("/workspaces", s.handleWorkspaceCreate)
	e.GET("/workspaces", s.handleWorkspaceList)
	e.DELETE("/workspaces/:id", s.handleWorkspaceDelete)

	e.GET("/settings", s.handleSettingsGet)
	e.PUT("/settings/:key", s.handleSettingPut)
	e.DELETE("/settings/:key", s.handleSettingDelete)

	e.GET("/health", s.handleHealth)
	e.GET("/images/:workspace/:memory_id/:filename", s.handleImage)
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
