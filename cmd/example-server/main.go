package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	// Exemplo: cadeias por rota direto no seu webserver (sem proxy), só com
	// o store local.
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := infra.NewFallbackStore(nil, infra.NewLocalStore(), infra.WithLogger(logger))
	if err := store.Open(ctx); err != nil {
		logger.Fatal("store open", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	catalog, err := application.NewCatalog(application.CatalogConfig{
		Env:    domain.Environment(os.Getenv("APP_ENV")),
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("catalog", zap.Error(err))
	}

	opts := ratelimit.Options{
		Denials:             ratelimit.NewDenialHandler(ratelimit.WithDenialLogger(logger)),
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
	}
	limit := func(name string) func(http.Handler) http.Handler {
		ch, ok := catalog.Chain(name)
		if !ok {
			logger.Fatal("unknown chain", zap.String("chain", name))
		}
		return ratelimit.Middleware(opts.ForChain(ch))
	}

	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}

	r := chi.NewRouter()
	r.Use(fakeAuth)
	r.With(limit(application.ChainProtectedAuth)).Post("/auth/login", ok)
	r.With(limit(application.ChainSensitiveAction)).Post("/auth/otp", ok)
	r.With(limit(application.ChainProtectedSearch)).Get("/search", ok)
	r.With(limit(application.ChainAdmin)).Get("/admin/stats", ok)
	r.With(limit(application.ChainProtectedGlobal)).Get("/*", ok)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
	}
}

// fakeAuth faz o papel da autenticação: "X-Demo-User: <id>[:<role>]".
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := strings.TrimSpace(r.Header.Get("X-Demo-User")); v != "" {
			id, role, _ := strings.Cut(v, ":")
			r = r.WithContext(ratelimit.WithCaller(r.Context(), ratelimit.Caller{ID: id, Role: domain.Role(role)}))
		}
		next.ServeHTTP(w, r)
	})
}
