package infra

import (
	"context"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore acumula decisões em hashes do Redis. Cada Record é um único
// pipeline de HINCRBY:
//
//	<prefix>:total                  allowed | denied | fail_open
//	<prefix>:policy:<name>          allowed | denied | fail_open
//	<prefix>:route                  "<METHOD> <path>:allowed|denied"
//	<prefix>:minute:<yyyymmddhhmm>  allowed | denied (expira com ttl)
//	<prefix>:key:<key>              allowed | denied (opcional, expira com ttl)
type RedisStatsStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	// bucket "minute" liga a série temporal; "none" desliga.
	bucket    string
	trackKeys bool
}

var _ domain.StatsStore = (*RedisStatsStore)(nil)

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL vale só para as chaves de série temporal e por key;
// totais e políticas são cumulativos.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func outcomeField(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := outcomeField(ev.Allowed)

	pipe := s.rdb.Pipeline()
	s.incr(ctx, pipe, s.prefix+":total", field, ev.FailOpen, 0)
	if ev.Policy != "" {
		s.incr(ctx, pipe, s.prefix+":policy:"+ev.Policy, field, ev.FailOpen, 0)
	}
	if route := strings.TrimSpace(ev.Method + " " + ev.Path); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
	}
	if s.bucket == "minute" {
		s.incr(ctx, pipe, s.prefix+":minute:"+at.UTC().Format("200601021504"), field, false, s.ttl)
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		s.incr(ctx, pipe, s.prefix+":key:"+k, field, false, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStatsStore) incr(ctx context.Context, pipe redis.Pipeliner, key, field string, failOpen bool, ttl time.Duration) {
	pipe.HIncrBy(ctx, key, field, 1)
	if failOpen {
		pipe.HIncrBy(ctx, key, "fail_open", 1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
}

// PolicyTotals lê os contadores cumulativos de uma política
// (ou do total, com policy vazio).
func (s *RedisStatsStore) PolicyTotals(ctx context.Context, policy string) (Counters, error) {
	key := s.prefix + ":total"
	if policy != "" {
		key = s.prefix + ":policy:" + policy
	}
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	c.Allowed, _ = strconv.ParseInt(vals["allowed"], 10, 64)
	c.Denied, _ = strconv.ParseInt(vals["denied"], 10, 64)
	c.FailOpen, _ = strconv.ParseInt(vals["fail_open"], 10, 64)
	return c, nil
}
