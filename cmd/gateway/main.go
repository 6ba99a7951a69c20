package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	// .env é opcional; variáveis já exportadas têm precedência.
	envErr := godotenv.Load()

	cfg, cfgErr := readConfig()

	logger := newLogger(cfg.appEnv)
	defer func() { _ = logger.Sync() }()

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn(".env not loaded", zap.Error(envErr))
	}
	if cfgErr != nil {
		logger.Fatal("config error", zap.Error(cfgErr))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func newLogger(appEnv string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if domain.Environment(appEnv).IsProduction() {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(cfg config, logger *zap.Logger) (err error) {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	reporter := promreporter.NewReporter(promreporter.Options{})
	scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "admission_gateway",
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, time.Second)
	defer func() { err = multierr.Append(err, scopeCloser.Close()) }()

	lockdown := application.NewSwitch(cfg.lockdownEnabled)

	local := infra.NewLocalStore(infra.WithCleanupEvery(cfg.sweepEvery))
	var shared domain.CounterStore
	if cfg.redisEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		shared = infra.NewSharedStore(rdb,
			infra.WithKeyPrefix(cfg.redisPrefix),
			infra.WithTimeout(cfg.redisTimeout),
		)
	}
	store := infra.NewFallbackStore(shared, local,
		infra.WithLogger(logger.Named("store")),
		infra.WithProbeEvery(cfg.probeInterval),
	)
	// fecha o client Redis também nos retornos antecipados abaixo
	defer func() { err = multierr.Append(err, store.Close()) }()

	overrides, err := loadPolicyOverrides(cfg.policyFile)
	if err != nil {
		return err
	}
	policies, err := application.ApplyOverrides(application.DefaultPolicies(lockdown), overrides)
	if err != nil {
		return err
	}
	catalog, err := application.NewCatalog(application.CatalogConfig{
		Env:      domain.Environment(cfg.appEnv),
		Store:    store,
		Logger:   logger.Named("ratelimit"),
		Policies: policies,
		Lockdown: lockdown,
	})
	if err != nil {
		return err
	}

	var stats statsSink = infra.NewMemoryStatsStore()
	if cfg.rateStatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.rateStatsRedisAddr,
			Password: cfg.rateStatsRedisPassword,
			DB:       cfg.rateStatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := rdb.Ping(pingCtx).Result()
		cancel()
		if pingErr != nil {
			return pingErr
		}

		stats = infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsBucket(cfg.rateStatsBucket),
			infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
		)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Open(ctx); err != nil {
		return err
	}

	h := http.Handler(proxy)
	if cfg.rateEnabled {
		rules, err := parseRoutes(cfg.routes)
		if err != nil {
			return err
		}
		opts := ratelimit.Options{
			Denials: ratelimit.NewDenialHandler(
				ratelimit.WithDenialLogger(logger.Named("denials")),
				ratelimit.WithScope(scope.SubScope("ratelimit")),
				ratelimit.WithStats(stats),
			),
			IdentityHeader:      cfg.identityHeader,
			RoleHeader:          cfg.roleHeader,
			TrustXForwardedFor:  cfg.trustXFF,
			AddRateLimitHeaders: cfg.addHeaders,
		}
		h, err = newRouter(catalog, opts, rules, cfg.defaultChain, proxy)
		if err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	servers := []*http.Server{srv}
	if cfg.adminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.adminAddr,
			Handler: newAdminRouter(admin{
				metrics:  reporter.HTTPHandler(),
				store:    store,
				lockdown: lockdown,
				catalog:  catalog,
				stats:    stats,
				logger:   logger.Named("admin"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("upstream", target.String()),
		zap.String("admin", cfg.adminAddr),
		zap.String("env", cfg.appEnv),
	)
	logger.Info("rate limit",
		zap.Bool("enabled", cfg.rateEnabled),
		zap.String("store", string(store.Kind())),
		zap.Bool("degraded", store.Degraded()),
		zap.Strings("chains", catalog.ChainNames()),
		zap.String("defaultChain", cfg.defaultChain),
		zap.Bool("lockdown", lockdown.On()),
	)

	errc := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
				return
			}
			errc <- nil
		}(s)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, s := range servers {
		serveErr = multierr.Append(serveErr, s.Shutdown(shutdownCtx))
	}
	logger.Info("gateway stopped")
	return serveErr
}
