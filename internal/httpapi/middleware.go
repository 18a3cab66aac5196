package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/tenant"
)

// envContextKey stores the tenant env on the echo context.
const envContextKey = "memento.env"

// maxPeekWorkspaces caps the peek fan-out per request.
const maxPeekWorkspaces = 5

// Headers recognized by the middleware.
const (
	headerWorkspace = "X-Memento-Workspace"
	headerPeeks     = "X-Memento-Peek-Workspaces"
)

// unauthenticated routes skip credential checks entirely.
var unauthenticated = map[string]bool{
	"/auth/signup": true,
	"/metrics":     true,
}

// hashCredential hashes a bearer credential for control-store lookup.
// Credentials are never stored or logged in the clear.
func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the bearer credential, the target workspace (auto-
// created under quota on first use), the workspace key, and any peek
// workspaces, and attaches the assembled tenant env to the request context.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if unauthenticated[c.Path()] {
			return next(c)
		}

		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || len(auth) == len(prefix) {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed credential")
		}
		credential := auth[len(prefix):]

		ctx := c.Request().Context()
		user, cred, err := s.control.Authenticate(ctx, hashCredential(credential))
		if err != nil {
			if errors.Is(err, control.ErrNotFound) || errors.Is(err, control.ErrCredentialRevoked) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid credential")
			}
			return err
		}
		s.touchCredentialAsync(cred.ID)

		env, err := s.resolveEnv(ctx, user, c.Request().Header.Get(headerWorkspace))
		if err != nil {
			return writeError(c, err)
		}

		peekNames := peekNamesFrom(c)
		if len(peekNames) > 0 {
			peeks, err := s.resolvePeeks(ctx, user.ID, env.WorkspaceName, peekNames)
			if err != nil {
				return writeError(c, err)
			}
			env.Peeks = peeks
		}

		c.Set(envContextKey, env)
		return next(c)
	}
}

// requestEnv returns the tenant env attached by the middleware.
func requestEnv(c echo.Context) *tenant.Env {
	return c.Get(envContextKey).(*tenant.Env)
}

// touchCredentialAsync records credential use without holding the request.
func (s *Server) touchCredentialAsync(credentialID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.control.TouchCredential(ctx, credentialID); err != nil {
			s.logger.Warn("credential touch failed",
				zap.String("credential_id", credentialID), zap.Error(err))
		}
	}()
}

// resolveEnv resolves the named workspace for the user, auto-creating it
// under the plan's workspace quota when absent, and unwraps its key.
func (s *Server) resolveEnv(ctx context.Context, user *control.User, name string) (*tenant.Env, error) {
	if name == "" {
		name = s.config.Workspaces.DefaultName
	}
	plan := control.PlanByName(user.Plan)

	ws, err := s.control.GetWorkspace(ctx, user.ID, name)
	if errors.Is(err, control.ErrNotFound) {
		ws, err = s.createWorkspace(ctx, user.ID, plan, name)
	}
	if err != nil {
		return nil, err
	}

	store, err := s.manager.Get(ws.ID, ws.Name, ws.DBURL)
	if err != nil {
		return nil, err
	}

	env := &tenant.Env{
		UserID:        user.ID,
		Plan:          plan,
		WorkspaceID:   ws.ID,
		WorkspaceName: ws.Name,
		Store:         store,
	}
	if s.keys != nil {
		if env.Key, err = s.keys.WorkspaceKey(ctx, ws.ID); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// createWorkspace auto-creates a workspace under quota, tolerating a racing
// create of the same name.
func (s *Server) createWorkspace(ctx context.Context, userID string, plan control.Plan, name string) (*control.Workspace, error) {
	if !plan.Unlimited(plan.WorkspaceLimit) {
		count, err := s.control.CountWorkspaces(ctx, userID)
		if err != nil {
			return nil, err
		}
		if count >= plan.WorkspaceLimit {
			return nil, &tenant.QuotaError{Resource: "workspaces", Limit: plan.WorkspaceLimit, Current: count}
		}
	}

	ws, err := s.control.CreateWorkspace(ctx, userID, name, "", "")
	if errors.Is(err, control.ErrWorkspaceExists) {
		return s.control.GetWorkspace(ctx, userID, name)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("workspace auto-created",
		zap.String("user_id", userID), zap.String("workspace", name))
	return ws, nil
}

// peekNamesFrom collects peek workspace names from the header and the
// peek_workspaces query parameter.
func peekNamesFrom(c echo.Context) []string {
	raw := c.Request().Header.Get(headerPeeks)
	if q := c.QueryParam("peek_workspaces"); q != "" {
		if raw != "" {
			raw += ","
		}
		raw += q
	}
	if raw == "" {
		return nil
	}
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// resolvePeeks resolves up to maxPeekWorkspaces read-only peek handles.
// Unknown names are silently dropped; exceeding the cap is a hard error.
func (s *Server) resolvePeeks(ctx context.Context, userID, activeName string, names []string) ([]tenant.Peek, error) {
	distinct := make([]string, 0, len(names))
	seen := map[string]bool{activeName: true}
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			distinct = append(distinct, n)
		}
	}
	if len(distinct) > maxPeekWorkspaces {
		return nil, fmt.Errorf("%w: at most %d peek workspaces per request", tenant.ErrValidation, maxPeekWorkspaces)
	}

	peeks := make([]tenant.Peek, 0, len(distinct))
	for _, name := range distinct {
		ws, err := s.control.GetWorkspace(ctx, userID, name)
		if errors.Is(err, control.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		store, err := s.manager.Get(ws.ID, ws.Name, ws.DBURL)
		if err != nil {
			s.logger.Warn("peek workspace open failed",
				zap.String("workspace", name), zap.Error(err))
			continue
		}
		peek := tenant.Peek{WorkspaceID: ws.ID, WorkspaceName: ws.Name, Store: store}
		if s.keys != nil {
			if peek.Key, err = s.keys.WorkspaceKey(ctx, ws.ID); err != nil {
				return nil, err
			}
		}
		peeks = append(peeks, peek)
	}
	return peeks, nil
}
