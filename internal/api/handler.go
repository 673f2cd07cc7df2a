// Package api is the edge's HTTP surface: identity resolution for the
// calling browser, catalog reads served through the read-through cache,
// cache invalidation, health, metrics and the chat relay upgrade.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/backend"
	"github.com/counselly/edge/internal/cache"
	"github.com/counselly/edge/internal/identity"
	"github.com/counselly/edge/internal/messaging"
	"github.com/counselly/edge/internal/ratelimit"
)

// Request headers carrying the authenticated user context. They are set by
// the upstream auth proxy, never by browsers directly.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Catalog produces backend reads.
type Catalog interface {
	Colleges(limit int) cache.Fetcher[[]backend.College]
	Exams(limit int) cache.Fetcher[[]backend.Exam]
	CommunityFeed(cursor, filter string) cache.Fetcher[backend.FeedPage]
}

// Broadcaster announces cache and session changes to peer instances.
type Broadcaster interface {
	PublishInvalidation(inv messaging.Invalidation) error
	PublishSessionEvent(ev messaging.SessionEvent) error
}

// ChatRelay runs chat sockets.
type ChatRelay interface {
	Serve(w http.ResponseWriter, r *http.Request, sd identity.SessionData)
	Forget(sessionID string)
}

// Limiter throttles session rotation per device and chat connections per
// client address.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// HeaderRateLimitRemaining reports how many calls are left in the window.
const HeaderRateLimitRemaining = "X-RateLimit-Remaining"

// Check is a readiness probe.
type Check func(ctx context.Context) error

// Deps are the collaborators of a Handler. Bus, Relay and Limiter may be
// nil.
type Deps struct {
	Identity *identity.Provider
	Cache    *cache.Cache
	Catalog  Catalog
	Bus      Broadcaster
	Relay    ChatRelay
	Limiter  Limiter
	Checks   map[string]Check
	Cookies  CookieOptions
	Origin   string // this instance's name in invalidation broadcasts

	// AdminToken enables /internal routes; callers send it as a bearer token.
	AdminToken string
	Log        zerolog.Logger
}

// Handler serves the edge API.
type Handler struct {
	Deps
	started time.Time
}

// New creates a Handler.
func New(d Deps) *Handler {
	return &Handler{Deps: d, started: time.Now()}
}

func (h *Handler) resolver(c *gin.Context) *identity.Resolver {
	env := identity.NoEnv
	if ua := c.GetHeader("User-Agent"); ua != "" {
		env = identity.UserAgentEnv(ua)
	}
	return h.Identity.For(c.GetString(ctxDeviceID), c.GetString(ctxTabID), env)
}

func (h *Handler) sessionData(c *gin.Context, res *identity.Resolver) identity.SessionData {
	return res.GetSessionData(c.Request.Context(), c.GetHeader(HeaderUserID), c.GetHeader(HeaderUserRole))
}

// GetSession returns the identity tuple of the calling browser.
func (h *Handler) GetSession(c *gin.Context) {
	sd := h.sessionData(c, h.resolver(c))
	if c.GetBool(ctxNewTab) {
		h.announce(messaging.SessionCreated, sd)
	}
	c.JSON(http.StatusOK, sd)
}

// RotateSession replaces the session id, e.g. on logout.
func (h *Handler) RotateSession(c *gin.Context) {
	if !h.throttle(c, c.GetString(ctxDeviceID), ratelimit.RuleRotate, "too many session rotations") {
		return
	}

	ctx := c.Request.Context()
	res := h.resolver(c)
	old, had := res.StoredSessionID(ctx)
	id := res.CreateNewSession(ctx)
	if had {
		h.forget(old)
	}

	h.announce(messaging.SessionRotated, h.sessionData(c, res))
	c.JSON(http.StatusOK, gin.H{"sessionId": id})
}

// ClearSession drops the session id; the next read mints a new one. A tab
// without a session is left alone.
func (h *Handler) ClearSession(c *gin.Context) {
	res := h.resolver(c)
	if _, ok := res.StoredSessionID(c.Request.Context()); !ok {
		c.Status(http.StatusNoContent)
		return
	}

	sd := h.sessionData(c, res)
	res.ClearSession(c.Request.Context())
	h.forget(sd.SessionID)

	h.announce(messaging.SessionCleared, sd)
	c.Status(http.StatusNoContent)
}

// Chat upgrades to the chat relay with the caller's identity.
func (h *Handler) Chat(c *gin.Context) {
	if h.Relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat unavailable"})
		return
	}
	if !h.throttle(c, c.ClientIP(), ratelimit.RuleConnect, "too many chat connections") {
		return
	}
	sd := h.sessionData(c, h.resolver(c))
	h.Relay.Serve(c.Writer, c.Request, sd)
}

// throttle counts one call for identifier under rule. Over the limit it
// answers 429 with Retry-After and reports false; otherwise it sets the
// remaining-calls header. A nil Limiter admits everything.
func (h *Handler) throttle(c *gin.Context, identifier string, rule ratelimit.Rule, message string) bool {
	if h.Limiter == nil {
		return true
	}
	ctx := c.Request.Context()
	if ok, _ := h.Limiter.Allow(ctx, identifier, rule); !ok {
		retry := h.Limiter.RetryAfter(ctx, identifier, rule)
		c.Header("Retry-After", formatSeconds(retry))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": message})
		return false
	}
	if n, err := h.Limiter.Remaining(ctx, identifier, rule); err == nil {
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(n))
	}
	return true
}

func (h *Handler) forget(sessionID string) {
	if h.Relay != nil {
		h.Relay.Forget(sessionID)
	}
}

func (h *Handler) announce(kind string, sd identity.SessionData) {
	if h.Bus == nil {
		return
	}
	ev := messaging.SessionEvent{Kind: kind, Session: sd, At: time.Now().UTC()}
	if err := h.Bus.PublishSessionEvent(ev); err != nil {
		h.Log.Warn().Err(err).Str("kind", kind).Msg("session event not published")
	}
}
