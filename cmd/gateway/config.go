package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type config struct {
	listenAddr  string
	upstreamURL string
	adminAddr   string
	appEnv      string

	rateEnabled     bool
	redisEnabled    bool
	redisAddr       string
	redisPassword   string
	redisDB         int
	redisPrefix     string
	redisTimeout    time.Duration
	probeInterval   time.Duration
	sweepEvery      time.Duration
	policyFile      string
	routes          string
	defaultChain    string
	trustXFF        bool
	identityHeader  string
	roleHeader      string
	addHeaders      bool
	lockdownEnabled bool

	rateStatsEnabled       bool
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsBucket        string
	rateStatsTrackKeys     bool
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.adminAddr = os.Getenv("ADMIN_ADDR")
	cfg.appEnv = getenvDefault("APP_ENV", "development")

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	// sem Redis o motor roda só no store local (um contador por instância).
	cfg.redisEnabled = getenvBoolDefault("RATE_REDIS_ENABLED", false)
	cfg.redisAddr = getenvDefault("RATE_REDIS_ADDR", "localhost:6379")
	cfg.redisPassword = os.Getenv("RATE_REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("RATE_REDIS_DB", 0)
	cfg.redisPrefix = getenvDefault("RATE_REDIS_PREFIX", "ratelimit")
	cfg.redisTimeout = getenvDurationDefault("RATE_REDIS_TIMEOUT", 50*time.Millisecond)
	cfg.probeInterval = getenvDurationDefault("RATE_PROBE_INTERVAL", 5*time.Second)
	cfg.sweepEvery = getenvDurationDefault("RATE_SWEEP_EVERY", time.Minute)
	cfg.policyFile = os.Getenv("RATE_POLICY_FILE")
	cfg.routes = os.Getenv("RATE_ROUTES")
	cfg.defaultChain = getenvDefault("RATE_DEFAULT_CHAIN", "protected-global")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.identityHeader = os.Getenv("IDENTITY_HEADER")
	cfg.roleHeader = os.Getenv("ROLE_HEADER")
	cfg.addHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", false)
	cfg.lockdownEnabled = getenvBoolDefault("LOCKDOWN_ENABLED", false)

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", "")
	cfg.rateStatsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.rateStatsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.redisEnabled && strings.TrimSpace(cfg.redisAddr) == "" {
		return config{}, errors.New("RATE_REDIS_ADDR is required when RATE_REDIS_ENABLED=true")
	}
	if cfg.redisTimeout <= 0 {
		return config{}, errors.New("RATE_REDIS_TIMEOUT must be > 0")
	}
	if cfg.rateStatsEnabled && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
