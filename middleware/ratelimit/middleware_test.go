package ratelimit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	clock   *clock.Mock
	catalog *application.Catalog
	stats   *infra.MemoryStatsStore
	scope   tally.TestScope
	logs    *observer.ObservedLogs
	opts    Options
}

func newFixture(t *testing.T, env domain.Environment, lockdown *application.Switch) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	cat, err := application.NewCatalog(application.CatalogConfig{
		Env:      env,
		Store:    infra.NewLocalStore(),
		Clock:    mock,
		Lockdown: lockdown,
	})
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))
	scope := tally.NewTestScope("", nil)

	return &fixture{
		clock:   mock,
		catalog: cat,
		stats:   stats,
		scope:   scope,
		logs:    logs,
		opts: Options{
			Denials: NewDenialHandler(
				WithDenialLogger(zap.New(core)),
				WithScope(scope),
				WithStats(stats),
				WithDenialClock(mock),
			),
			AddRateLimitHeaders: true,
			Clock:               mock,
		},
	}
}

func (f *fixture) handler(t *testing.T, chain string, next http.Handler) http.Handler {
	t.Helper()
	c, ok := f.catalog.Chain(chain)
	require.True(t, ok, "chain %s", chain)
	return Middleware(f.opts.ForChain(c))(next)
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func send(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "http://example"+path, nil)
	r.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_SensitiveActionSixthRequestGets429(t *testing.T) {
	f := newFixture(t, "production", nil)
	calls := 0
	h := f.handler(t, application.ChainSensitiveAction, okHandler(&calls))

	for i := 0; i < 5; i++ {
		w := send(h, "/otp", "10.0.0.1:1234")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := send(h, "/otp", "10.0.0.1:1234")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 5, calls)
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"success": false,
		"error":   "SENSITIVE_ACTION_RATE_LIMIT",
		"message": "Too many verification code requests. Try again later.",
	}, body)

	denials := f.logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, denials, 1)
	fields := denials[0].ContextMap()
	assert.Equal(t, "sensitive-action:ip:10.0.0.1", fields["key"])
	assert.Equal(t, "sensitive-action", fields["policy"])
	assert.Equal(t, "/otp", fields["route"])
	assert.Equal(t, http.MethodPost, fields["method"])
	assert.EqualValues(t, 5, fields["cap"])
	assert.Equal(t, 5*time.Minute, fields["window"])
}

func TestMiddleware_AuthBlocksCallerAfterTooManyAttempts(t *testing.T) {
	f := newFixture(t, "production", nil)
	calls := 0
	h := f.handler(t, application.ChainProtectedAuth, okHandler(&calls))

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, send(h, "/login", "10.0.0.9:1234").Code, "request %d", i+1)
	}

	w := send(h, "/login", "10.0.0.9:1234")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"success":    false,
		"error":      "AUTH_RATE_LIMIT",
		"message":    "Too many attempts. You are temporarily blocked.",
		"retryAfter": float64(900),
	}, body)

	// a janela de 10 min já passou, o bloqueio ainda não
	f.clock.Add(11 * time.Minute)
	w = send(h, "/login", "10.0.0.9:1234")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "240", w.Header().Get("Retry-After"))

	f.clock.Add(4 * time.Minute)
	require.Equal(t, http.StatusOK, send(h, "/login", "10.0.0.9:1234").Code)
	assert.Equal(t, 21, calls)

	blocked := f.logs.FilterMessage("caller temporarily blocked").All()
	require.Len(t, blocked, 2)
	assert.Equal(t, "auth:ip:10.0.0.9", blocked[0].ContextMap()["key"])
	assert.Zero(t, f.logs.FilterMessage("rate limit exceeded").Len())

	var blockedCount int64
	for _, c := range f.scope.Snapshot().Counters() {
		if c.Name() == "blocked" {
			blockedCount += c.Value()
		}
	}
	assert.Equal(t, int64(2), blockedCount)
}

func TestMiddleware_InformationalHeaders(t *testing.T) {
	f := newFixture(t, "production", nil)
	calls := 0
	h := f.handler(t, application.ChainProtectedSearch, okHandler(&calls))

	w := send(h, "/search", "10.0.0.1:1234")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	// janela fixa de 1 min alinhada ao relógio
	assert.Equal(t, "1700000040", w.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_HeadersOmittedWhenDisabled(t *testing.T) {
	f := newFixture(t, "production", nil)
	f.opts.AddRateLimitHeaders = false
	calls := 0
	h := f.handler(t, application.ChainProtectedSearch, okHandler(&calls))

	w := send(h, "/search", "10.0.0.1:1234")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestMiddleware_KeysAreIndependentPerClient(t *testing.T) {
	f := newFixture(t, "production", nil)
	calls := 0
	h := f.handler(t, application.ChainSensitiveAction, okHandler(&calls))

	for i := 0; i < 6; i++ {
		send(h, "/otp", "10.0.0.1:1234")
	}
	w := send(h, "/otp", "10.0.0.2:1234")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RecordsMetricsAndStats(t *testing.T) {
	f := newFixture(t, "production", nil)
	calls := 0
	h := f.handler(t, application.ChainSensitiveAction, okHandler(&calls))

	for i := 0; i < 7; i++ {
		send(h, "/otp", "10.0.0.1:1234")
	}

	counts := map[string]int64{}
	for _, c := range f.scope.Snapshot().Counters() {
		if c.Name() != "decisions" {
			continue
		}
		counts[c.Tags()["outcome"]+"/"+c.Tags()["policy"]] += c.Value()
	}
	assert.Equal(t, map[string]int64{
		"allow/sensitive-action": 5,
		"deny/sensitive-action":  2,
	}, counts)

	assert.Equal(t, infra.Counters{Allowed: 5, Denied: 2}, f.stats.Total())
	assert.Equal(t, infra.Counters{Allowed: 5, Denied: 2}, f.stats.ByRoute()["POST /otp"])
	assert.Equal(t, infra.Counters{Allowed: 5, Denied: 2}, f.stats.ByKey()["sensitive-action:ip:10.0.0.1"])
}

func TestMiddleware_LockdownDenialLogsAtError(t *testing.T) {
	sw := application.NewSwitch(true)
	f := newFixture(t, "production", sw)
	calls := 0
	h := f.handler(t, application.ChainProtectedSearch, okHandler(&calls))

	r := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "http://example/search", nil)
		req = req.WithContext(WithCaller(req.Context(), Caller{ID: "u-9"}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, r().Code)
	}
	w := r()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"EMERGENCY_LIMIT"`)

	entries := f.logs.FilterMessage("emergency limiter active").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}

func TestMiddleware_FailOpenWhenSharedStoreIsDown(t *testing.T) {
	down := infra.NewSharedStore(unreachableRedis(t))
	store := infra.NewFallbackStore(down, infra.NewLocalStore())

	cat, err := application.NewCatalog(application.CatalogConfig{Env: "production", Store: store})
	require.NoError(t, err)
	chain, _ := cat.Chain(application.ChainSensitiveAction)

	scope := tally.NewTestScope("", nil)
	calls := 0
	h := Middleware(Options{
		Chain:   chain,
		Denials: NewDenialHandler(WithScope(scope)),
	})(okHandler(&calls))

	w := send(h, "/otp", "10.0.0.1:1234")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, store.Degraded())

	var failOpen int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == "fail_open" {
			failOpen += c.Value()
		}
	}
	assert.EqualValues(t, 1, failOpen)
}

func TestMiddleware_RouteUsesChiPattern(t *testing.T) {
	f := newFixture(t, "production", nil)
	chain, _ := f.catalog.Chain(application.ChainSensitiveAction)

	calls := 0
	router := chi.NewRouter()
	router.With(Middleware(f.opts.ForChain(chain))).Post("/users/{id}/otp", okHandler(&calls).ServeHTTP)

	for i := 0; i < 6; i++ {
		send(router, "/users/42/otp", "10.0.0.1:1234")
	}
	denials := f.logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, denials, 1)
	assert.Equal(t, "/users/{id}/otp", denials[0].ContextMap()["route"])
}

func TestMiddleware_NilChainPassesThrough(t *testing.T) {
	calls := 0
	h := Middleware(Options{})(okHandler(&calls))
	w := send(h, "/", "10.0.0.1:1234")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls)
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 20 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
