package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/control"
)

// credentialPrefixLen is how much of a credential is kept in the clear for
// operator identification.
const credentialPrefixLen = 12

// newCredential mints a bearer credential. Only its hash is persisted.
func newCredential() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return "mmt_" + hex.EncodeToString(buf), nil
}

// signupLimiter rate-limits signup per source address with an hourly and a
// daily budget.
type signupLimiter struct {
	cfg config.SignupConfig

	mu      sync.Mutex
	entries map[string]*signupEntry
}

type signupEntry struct {
	hourly   *rate.Limiter
	daily    *rate.Limiter
	lastSeen time.Time
}

func newSignupLimiter(cfg config.SignupConfig) *signupLimiter {
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = 5
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 20
	}
	return &signupLimiter{cfg: cfg, entries: make(map[string]*signupEntry)}
}

// allow reports whether the address may sign up now; when it may not, the
// returned duration is the wait until the next permitted attempt.
func (l *signupLimiter) allow(addr string) (time.Duration, bool) {
	l.mu.Lock()
	e, ok := l.entries[addr]
	if !ok {
		e = &signupEntry{
			hourly: rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.cfg.HourlyLimit)), l.cfg.HourlyLimit),
			daily:  rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(l.cfg.DailyLimit)), l.cfg.DailyLimit),
		}
		l.entries[addr] = e
	}
	e.lastSeen = time.Now()
	if len(l.entries) > 10000 {
		l.prune()
	}
	l.mu.Unlock()

	rh := e.hourly.Reserve()
	rd := e.daily.Reserve()
	delay := rh.Delay()
	if rd.Delay() > delay {
		delay = rd.Delay()
	}
	if delay > 0 {
		rh.Cancel()
		rd.Cancel()
		return delay, false
	}
	return 0, true
}

// prune drops entries idle for over a day. Caller holds the lock.
func (l *signupLimiter) prune() {
	cutoff := time.Now().Add(-24 * time.Hour)
	for addr, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, addr)
		}
	}
}

type signupRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type signupResponse struct {
	APIKey    string `json:"api_key"`
	UserID    string `json:"user_id"`
	Workspace string `json:"workspace"`
}

// handleSignup mints a user, a credential, and the default workspace. The
// only unauthenticated write endpoint, so it carries its own rate limit.
func (s *Server) handleSignup(c echo.Context) error {
	if !s.config.Signup.Enabled {
		return echo.NewHTTPError(http.StatusNotFound, "signup is disabled")
	}

	if wait, ok := s.signups.allow(c.RealIP()); !ok {
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":       "rate_limited",
			"retry_after": int(wait.Seconds()) + 1,
		})
	}

	var req signupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}

	credential, err := newCredential()
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	user, _, err := s.control.CreateUser(ctx, req.Email, req.Name, "free",
		hashCredential(credential), credential[:credentialPrefixLen])
	if err != nil {
		if errors.Is(err, control.ErrEmailTaken) {
			return echo.NewHTTPError(http.StatusBadRequest, "email already registered")
		}
		return err
	}

	ws, err := s.control.CreateWorkspace(ctx, user.ID, s.config.Workspaces.DefaultName, "", "")
	if err != nil {
		return err
	}

	s.logger.Info("user signed up",
		zap.String("user_id", user.ID), zap.String("workspace", ws.Name))
	return c.JSON(http.StatusCreated, signupResponse{
		APIKey:    credential,
		UserID:    user.ID,
		Workspace: ws.Name,
	})
}
