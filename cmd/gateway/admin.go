package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// statsSink é o StatsStore que também sabe ler os totais por política
// (MemoryStatsStore e RedisStatsStore).
type statsSink interface {
	domain.StatsStore
	PolicyTotals(ctx context.Context, policy string) (infra.Counters, error)
}

type admin struct {
	metrics  http.Handler
	store    *infra.FallbackStore
	lockdown *application.Switch
	catalog  *application.Catalog
	stats    statsSink
	logger   *zap.Logger
}

// newAdminRouter expõe métricas, saúde do store, estatísticas e o gatilho de
// lockdown. Deve ficar num listener interno (ADMIN_ADDR), nunca no público.
func newAdminRouter(a admin) http.Handler {
	metrics, store, lockdown, logger := a.metrics, a.store, a.lockdown, a.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"store":    store.Kind(),
			"degraded": store.Degraded(),
			"lockdown": lockdown.On(),
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		if a.stats == nil || a.catalog == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats disabled"})
			return
		}
		total, err := a.stats.PolicyTotals(req.Context(), "")
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		policies := make(map[string]infra.Counters)
		for _, name := range a.catalog.PolicyNames() {
			c, err := a.stats.PolicyTotals(req.Context(), name)
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			policies[name] = c
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": total, "policies": policies})
	})

	r.Get("/lockdown", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": lockdown.On()})
	})

	// PUT /lockdown?enabled=true|false
	r.Put("/lockdown", func(w http.ResponseWriter, req *http.Request) {
		on, err := strconv.ParseBool(req.URL.Query().Get("enabled"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled must be a boolean"})
			return
		}
		lockdown.Set(on)
		logger.Warn("lockdown switched", zap.Bool("enabled", on), zap.String("remote", req.RemoteAddr))
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
