package infra

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/fixed_window.lua
var fixedWindowSrc string

//go:embed scripts/sliding_window.lua
var slidingWindowSrc string

// SharedStore é o CounterStore centralizado (Redis).
//
// As duas primitivas rodam como scripts Lua, então cada hit é uma única
// ida ao servidor e é atômico por chave. Toda chamada tem orçamento de tempo
// próprio (timeout); erros são classificados em ErrStoreTimeout ou
// ErrStoreUnavailable.
type SharedStore struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration

	fixed   *redis.Script
	sliding *redis.Script
}

var _ domain.CounterStore = (*SharedStore)(nil)

type SharedStoreOption func(*SharedStore)

func WithKeyPrefix(prefix string) SharedStoreOption {
	return func(s *SharedStore) {
		prefix = strings.Trim(prefix, ":")
		if prefix != "" {
			prefix += ":"
		}
		s.prefix = prefix
	}
}

// WithTimeout define o orçamento de tempo por chamada ao Redis.
func WithTimeout(d time.Duration) SharedStoreOption {
	return func(s *SharedStore) { s.timeout = d }
}

func NewSharedStore(rdb redis.UniversalClient, opts ...SharedStoreOption) *SharedStore {
	s := &SharedStore{
		rdb:     rdb,
		prefix:  "ratelimit:",
		timeout: 50 * time.Millisecond,
		fixed:   redis.NewScript(fixedWindowSrc),
		sliding: redis.NewScript(slidingWindowSrc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SharedStore) Timeout() time.Duration { return s.timeout }

func (s *SharedStore) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SharedStore) Incr(ctx context.Context, key string, ttl time.Duration, now time.Time) (int, time.Time, error) {
	ctx, cancel := s.withBudget(ctx)
	defer cancel()

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	vals, err := s.fixed.Run(ctx, s.rdb, []string{s.prefix + key}, ttlMs).Int64Slice()
	if err != nil {
		return 0, time.Time{}, classify(err)
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected fixed window reply %v", domain.ErrStoreUnavailable, vals)
	}
	return int(vals[0]), now.Add(time.Duration(vals[1]) * time.Millisecond), nil
}

func (s *SharedStore) SlidingHit(ctx context.Context, key string, limit domain.SlidingLimit, now time.Time) (domain.SlidingResult, error) {
	ctx, cancel := s.withBudget(ctx)
	defer cancel()

	nowMicros := now.UnixMicro()
	// o membro precisa ser único: dois hits no mesmo microssegundo contam duas vezes.
	member := strconv.FormatInt(nowMicros, 10) + "-" + uuid.NewString()
	blockMicros := limit.BlockFor.Microseconds()

	vals, err := s.sliding.Run(ctx, s.rdb, s.slidingKeys(key),
		nowMicros,
		limit.Window.Microseconds(),
		limit.Cap,
		member,
		blockMicros,
		nowMicros+blockMicros,
	).Int64Slice()
	if err != nil {
		return domain.SlidingResult{}, classify(err)
	}
	if len(vals) != 4 {
		return domain.SlidingResult{}, fmt.Errorf("%w: unexpected sliding window reply %v", domain.ErrStoreUnavailable, vals)
	}
	return domain.SlidingResult{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
		ResetAt: time.UnixMicro(vals[2]),
		Blocked: vals[3] == 1,
	}, nil
}

// slidingKeys devolve a chave do log e a de bloqueio. A hash tag põe as duas
// no mesmo slot quando o client é um cluster.
func (s *SharedStore) slidingKeys(key string) []string {
	logKey := s.prefix + "{" + key + "}"
	return []string{logKey, logKey + ":block"}
}

func (s *SharedStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withBudget(ctx)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

// Close fecha o client Redis; o SharedStore passa a ser o dono dele.
func (s *SharedStore) Close() error {
	return s.rdb.Close()
}
