package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counselly/edge/internal/backend"
	"github.com/counselly/edge/internal/cache"
	"github.com/counselly/edge/internal/identity"
	"github.com/counselly/edge/internal/kv"
	"github.com/counselly/edge/internal/messaging"
	"github.com/counselly/edge/internal/ratelimit"
)

type fakeCatalog struct {
	calls   atomic.Int32
	err     error
	onFetch func()
}

func (f *fakeCatalog) Colleges(limit int) cache.Fetcher[[]backend.College] {
	return func(context.Context) ([]backend.College, error) {
		f.calls.Add(1)
		if f.err != nil {
			return nil, f.err
		}
		return []backend.College{{ID: "iitb", Name: "IIT Bombay"}}, nil
	}
}

func (f *fakeCatalog) Exams(limit int) cache.Fetcher[[]backend.Exam] {
	return func(context.Context) ([]backend.Exam, error) {
		f.calls.Add(1)
		if f.err != nil {
			return nil, f.err
		}
		exams := make([]backend.Exam, limit)
		for i := range exams {
			exams[i] = backend.Exam{ID: "e", Name: "JEE Main"}
		}
		return exams, nil
	}
}

func (f *fakeCatalog) CommunityFeed(cursor, filter string) cache.Fetcher[backend.FeedPage] {
	return func(context.Context) (backend.FeedPage, error) {
		f.calls.Add(1)
		if f.onFetch != nil {
			f.onFetch()
		}
		if f.err != nil {
			return backend.FeedPage{}, f.err
		}
		return backend.FeedPage{NextCursor: cursor + "+1"}, nil
	}
}

type fakeBus struct {
	mu            sync.Mutex
	invalidations []messaging.Invalidation
	events        []messaging.SessionEvent
}

func (b *fakeBus) PublishInvalidation(inv messaging.Invalidation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidations = append(b.invalidations, inv)
	return nil
}

func (b *fakeBus) PublishSessionEvent(ev messaging.SessionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

type fakeRelay struct {
	served    []identity.SessionData
	forgotten []string
}

func (r *fakeRelay) Serve(w http.ResponseWriter, _ *http.Request, sd identity.SessionData) {
	r.served = append(r.served, sd)
	w.WriteHeader(http.StatusAccepted)
}

func (r *fakeRelay) Forget(sessionID string) {
	r.forgotten = append(r.forgotten, sessionID)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }
func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 30 * time.Second
}
func (denyLimiter) Remaining(context.Context, string, ratelimit.Rule) (int, error) { return 0, nil }

// recordingLimiter admits everything and remembers what it was asked.
type recordingLimiter struct {
	mu    sync.Mutex
	calls []string
}

func (l *recordingLimiter) Allow(_ context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, rule.Key+identifier)
	return true, nil
}

func (l *recordingLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 0
}

func (l *recordingLimiter) Remaining(_ context.Context, _ string, rule ratelimit.Rule) (int, error) {
	return rule.Limit - 1, nil
}

const testAdminToken = "ops-secret"

type testEnv struct {
	router   *gin.Engine
	cache    *cache.Cache
	catalog  *fakeCatalog
	bus      *fakeBus
	relay    *fakeRelay
	sessions *kv.Memory
	cookies  []*http.Cookie
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		cache:   cache.New(),
		catalog: &fakeCatalog{},
		bus:     &fakeBus{},
		relay:   &fakeRelay{},
	}
	env.sessions = kv.NewMemory()
	d := Deps{
		Identity:   identity.NewProvider(kv.NewMemory(), env.sessions),
		Cache:      env.cache,
		Catalog:    env.catalog,
		Bus:        env.bus,
		Relay:      env.relay,
		Origin:     "edge-test",
		AdminToken: testAdminToken,
		Log:        zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&d)
	}
	env.router = NewRouter(New(d))
	return env
}

// do sends a request carrying the cookies issued so far and keeps any new
// ones, like a browser would.
func (e *testEnv) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, ck := range e.cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	for _, ck := range w.Result().Cookies() {
		e.cookies = append(e.cookies, ck)
	}
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) identity.SessionData {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	var sd identity.SessionData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sd))
	return sd
}

func TestGetSession_VisitorStableAcrossRequests(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(http.MethodGet, "/v1/session", nil)
	sd := decodeSession(t, first)
	assert.Equal(t, identity.UserTypeVisitor, sd.UserType)
	assert.Regexp(t, `^\d{10}$`, sd.UserID)
	assert.Equal(t, identity.SourceWeb, sd.Source)

	names := map[string]bool{}
	for _, ck := range first.Result().Cookies() {
		names[ck.Name] = true
		assert.True(t, ck.HttpOnly)
	}
	assert.True(t, names[DeviceCookie])
	assert.True(t, names[TabCookie])

	again := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))
	assert.Equal(t, sd, again)
}

func TestGetSession_AuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)

	counselor := decodeSession(t, env.do(http.MethodGet, "/v1/session", map[string]string{
		HeaderUserID:   "u1",
		HeaderUserRole: "counselor",
		"User-Agent":   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
	}))
	assert.Equal(t, "u1", counselor.UserID)
	assert.Equal(t, identity.UserTypeCounselor, counselor.UserType)
	assert.Equal(t, identity.SourceMobile, counselor.Source)

	student := decodeSession(t, env.do(http.MethodGet, "/v1/session", map[string]string{
		HeaderUserID:   "u2",
		HeaderUserRole: "student",
	}))
	assert.Equal(t, identity.UserTypeUser, student.UserType)
	assert.Equal(t, counselor.SessionID, student.SessionID, "same tab, same session")
}

func TestGetSession_AnnouncesNewTabOnly(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodGet, "/v1/session", nil)
	env.do(http.MethodGet, "/v1/session", nil)

	require.Len(t, env.bus.events, 1)
	assert.Equal(t, messaging.SessionCreated, env.bus.events[0].Kind)
}

func TestRotateSession(t *testing.T) {
	env := newTestEnv(t)
	before := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))

	w := env.do(http.MethodPost, "/v1/session/rotate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEqual(t, before.SessionID, body.SessionID)

	after := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))
	assert.Equal(t, body.SessionID, after.SessionID)
	assert.Equal(t, before.UserID, after.UserID, "visitor id survives rotation")

	assert.Equal(t, []string{before.SessionID}, env.relay.forgotten)
	last := env.bus.events[len(env.bus.events)-1]
	assert.Equal(t, messaging.SessionRotated, last.Kind)
	assert.Equal(t, body.SessionID, last.Session.SessionID)
}

func TestRotateSession_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Limiter = denyLimiter{} })

	w := env.do(http.MethodPost, "/v1/session/rotate", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestClearSession(t *testing.T) {
	env := newTestEnv(t)
	before := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))

	w := env.do(http.MethodDelete, "/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	after := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))
	assert.NotEqual(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.UserID, after.UserID)

	var cleared []messaging.SessionEvent
	for _, ev := range env.bus.events {
		if ev.Kind == messaging.SessionCleared {
			cleared = append(cleared, ev)
		}
	}
	require.Len(t, cleared, 1)
	assert.Equal(t, before.SessionID, cleared[0].Session.SessionID)
}

func TestSeparateBrowsersGetSeparateIdentity(t *testing.T) {
	env := newTestEnv(t)
	a := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))

	env.cookies = nil
	b := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))

	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.NotEqual(t, a.UserID, b.UserID)
}

func TestExams_ServedFromCache(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		w := env.do(http.MethodGet, "/v1/exams", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var exams []backend.Exam
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exams))
		assert.Len(t, exams, defaultExamsLimit)
	}

	assert.Equal(t, int32(1), env.catalog.calls.Load())
	_, ok := env.cache.Peek("home-exams-8")
	assert.True(t, ok)
}

func TestCatalog_LimitAndKeys(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/colleges?limit=3", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/community?cursor=c1&filter=mba", nil).Code)

	_, ok := env.cache.Peek("home-colleges-3")
	assert.True(t, ok)
	_, ok = env.cache.Peek("community-feed-c1-mba")
	assert.True(t, ok)

	for _, bad := range []string{"0", "51", "ten"} {
		w := env.do(http.MethodGet, "/v1/exams?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", bad)
	}
}

func TestCatalog_FetchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.err = errors.New("connection refused to 10.0.0.7")

	w := env.do(http.MethodGet, "/v1/exams", nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"Failed to fetch data"}`, w.Body.String())
	assert.Equal(t, 0, env.cache.Len())
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/v1/exams", nil)
	env.do(http.MethodGet, "/v1/colleges", nil)
	require.Equal(t, 2, env.cache.Len())

	admin := map[string]string{"Authorization": "Bearer " + testAdminToken}
	w := env.do(http.MethodDelete, "/internal/cache/home-exams-8", admin)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := env.cache.Peek("home-exams-8")
	assert.False(t, ok)
	assert.Equal(t, 1, env.cache.Len())

	w = env.do(http.MethodDelete, "/internal/cache", admin)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, env.cache.Len())

	assert.Equal(t, []messaging.Invalidation{
		{Key: "home-exams-8", Origin: "edge-test"},
		{Key: "", Origin: "edge-test"},
	}, env.bus.invalidations)

	env.do(http.MethodGet, "/v1/exams", nil)
	assert.Equal(t, int32(3), env.catalog.calls.Load(), "refetched after invalidation")
}

func TestInvalidate_RejectsAnonymousCallers(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/v1/exams", nil)
	require.Equal(t, 1, env.cache.Len())

	for name, headers := range map[string]map[string]string{
		"no token":    nil,
		"wrong token": {"Authorization": "Bearer guess"},
		"raw token":   {"Authorization": testAdminToken},
	} {
		w := env.do(http.MethodDelete, "/internal/cache", headers)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/v1/cache", nil).Code)

	assert.Equal(t, 1, env.cache.Len())
	assert.Empty(t, env.bus.invalidations)
}

func TestInvalidate_DisabledWithoutAdminToken(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.AdminToken = "" })

	w := env.do(http.MethodDelete, "/internal/cache", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommunity_DistinctParamsDistinctPages(t *testing.T) {
	env := newTestEnv(t)

	page := func(target string) backend.FeedPage {
		w := env.do(http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var p backend.FeedPage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		return p
	}

	assert.Equal(t, "a-b+1", page("/v1/community?cursor=a-b&filter=c").NextCursor)
	assert.Equal(t, "a+1", page("/v1/community?cursor=a&filter=b-c").NextCursor)
	assert.Equal(t, int32(2), env.catalog.calls.Load())
	assert.Equal(t, 2, env.cache.Len())
}

func TestCommunity_ClientGoneStillWarmsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.catalog.onFetch = cancel

	req := httptest.NewRequest(http.MethodGet, "/v1/community?cursor=c9", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Empty(t, w.Body.String())
	_, ok := env.cache.Peek(backend.CommunityKey("c9", defaultFeedFilter))
	assert.True(t, ok)

	env.catalog.onFetch = nil
	w = env.do(http.MethodGet, "/v1/community?cursor=c9", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.catalog.calls.Load(), "served from the warmed entry")
}

func TestRotateSession_ReportsRemaining(t *testing.T) {
	limiter := &recordingLimiter{}
	env := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })

	w := env.do(http.MethodPost, "/v1/session/rotate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "9", w.Header().Get(HeaderRateLimitRemaining))
}

func TestRotateSession_FreshTabForgetsNothing(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/v1/session/rotate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.relay.forgotten)
	assert.Equal(t, 1, env.sessions.Len())
}

func TestClearSession_FreshTabIsQuiet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, env.sessions.Len())
	assert.Empty(t, env.bus.events)
	assert.Empty(t, env.relay.forgotten)
}

func TestChat_ConnectLimitedPerClientAddress(t *testing.T) {
	limiter := &recordingLimiter{}
	env := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })

	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{ratelimit.RuleConnect.Key + "203.0.113.9"}, limiter.calls)

	denied := newTestEnv(t, func(d *Deps) { d.Limiter = denyLimiter{} })
	w = denied.do(http.MethodGet, "/ws/chat", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Empty(t, denied.relay.served)
}

func TestChat_PassesResolvedSession(t *testing.T) {
	env := newTestEnv(t)
	sd := decodeSession(t, env.do(http.MethodGet, "/v1/session", nil))

	w := env.do(http.MethodGet, "/ws/chat", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []identity.SessionData{sd}, env.relay.served)

	env2 := newTestEnv(t, func(d *Deps) { d.Relay = nil })
	w = env2.do(http.MethodGet, "/ws/chat", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = map[string]Check{
			"redis": func(context.Context) error { return nil },
		}
	})
	w := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = env.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)

	failing := newTestEnv(t, func(d *Deps) {
		d.Checks = map[string]Check{
			"nats": func(context.Context) error { return errors.New("not connected") },
		}
	})
	w = failing.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not connected")
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
