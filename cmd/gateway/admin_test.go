package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAdminRouter_LockdownToggle(t *testing.T) {
	sw := application.NewSwitch(false)
	store := infra.NewFallbackStore(nil, infra.NewLocalStore())
	h := newAdminRouter(admin{store: store, lockdown: sw, logger: zaptest.NewLogger(t)})

	do := func(method, target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
		return w
	}

	w := do(http.MethodGet, "/lockdown")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"enabled":false}`, w.Body.String())

	w = do(http.MethodPut, "/lockdown?enabled=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sw.On())

	w = do(http.MethodPut, "/lockdown?enabled=maybe")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, sw.On())

	w = do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"store":"local","degraded":true,"lockdown":true}`, w.Body.String())
}

func TestAdminRouter_Stats(t *testing.T) {
	cat, err := application.NewCatalog(application.CatalogConfig{Store: infra.NewLocalStore()})
	require.NoError(t, err)
	stats := infra.NewMemoryStatsStore()
	require.NoError(t, stats.Record(context.Background(), domain.StatsEvent{Policy: "search", Allowed: false}))

	h := newAdminRouter(admin{
		store:    infra.NewFallbackStore(nil, nil),
		lockdown: application.NewSwitch(false),
		catalog:  cat,
		stats:    stats,
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total    infra.Counters            `json:"total"`
		Policies map[string]infra.Counters `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, infra.Counters{Denied: 1}, body.Total)
	assert.Equal(t, infra.Counters{Denied: 1}, body.Policies["search"])
	assert.Len(t, body.Policies, 7)

	disabled := newAdminRouter(admin{store: infra.NewFallbackStore(nil, nil), lockdown: application.NewSwitch(false)})
	w = httptest.NewRecorder()
	disabled.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
