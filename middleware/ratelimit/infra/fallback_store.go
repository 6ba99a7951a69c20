package infra

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StoreKind é o backend escolhido uma única vez, na inicialização.
type StoreKind string

const (
	KindShared StoreKind = "shared"
	KindLocal  StoreKind = "local"
)

// FallbackStore roteia hits para o store compartilhado e, quando ele falha,
// para o LocalStore.
//
// Contrato de falha (fail-open): se o shared devolve erro ou estoura o
// timeout, o hit atual é liberado (ErrFailedOpen), um único warning é logado
// e todos os hits seguintes vão para o store local até o probe periódico
// confirmar que o shared voltou. Disponibilidade acima de precisão de cota
// durante a queda.
type FallbackStore struct {
	kind   StoreKind
	shared domain.CounterStore
	local  *LocalStore

	logger     *zap.Logger
	clock      clock.Clock
	probeEvery time.Duration
	probeLog   rate.Sometimes

	degraded atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ domain.CounterStore = (*FallbackStore)(nil)

type FallbackOption func(*FallbackStore)

func WithLogger(l *zap.Logger) FallbackOption {
	return func(s *FallbackStore) { s.logger = l }
}

func WithProbeEvery(d time.Duration) FallbackOption {
	return func(s *FallbackStore) { s.probeEvery = d }
}

func WithProbeClock(c clock.Clock) FallbackOption {
	return func(s *FallbackStore) { s.clock = c }
}

// NewFallbackStore monta o store do motor. Sem shared (nil) o motor roda
// permanentemente no LocalStore.
func NewFallbackStore(shared domain.CounterStore, local *LocalStore, opts ...FallbackOption) *FallbackStore {
	if local == nil {
		local = NewLocalStore()
	}
	s := &FallbackStore{
		kind:       KindShared,
		shared:     shared,
		local:      local,
		logger:     zap.NewNop(),
		clock:      clock.New(),
		probeEvery: 5 * time.Second,
		probeLog:   rate.Sometimes{Interval: time.Minute},
	}
	if shared == nil {
		s.kind = KindLocal
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FallbackStore) Kind() StoreKind { return s.kind }

// Degraded indica que os hits estão indo para o store local.
func (s *FallbackStore) Degraded() bool {
	return s.kind == KindLocal || s.degraded.Load()
}

func (s *FallbackStore) Incr(ctx context.Context, key string, ttl time.Duration, now time.Time) (int, time.Time, error) {
	if s.Degraded() {
		return s.local.Incr(ctx, key, ttl, now)
	}
	count, resetAt, err := s.shared.Incr(ctx, key, ttl, now)
	if err == nil {
		return count, resetAt, nil
	}
	s.degrade(err)
	// o hit continua contado, agora localmente; a decisão é liberar.
	_, resetAt, _ = s.local.Incr(ctx, key, ttl, now)
	return 0, resetAt, fmt.Errorf("%w: %w", domain.ErrFailedOpen, err)
}

func (s *FallbackStore) SlidingHit(ctx context.Context, key string, limit domain.SlidingLimit, now time.Time) (domain.SlidingResult, error) {
	if s.Degraded() {
		return s.local.SlidingHit(ctx, key, limit, now)
	}
	res, err := s.shared.SlidingHit(ctx, key, limit, now)
	if err == nil {
		return res, nil
	}
	s.degrade(err)
	local, _ := s.local.SlidingHit(ctx, key, limit, now)
	return domain.SlidingResult{Allowed: true, ResetAt: local.ResetAt}, fmt.Errorf("%w: %w", domain.ErrFailedOpen, err)
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	if s.kind == KindLocal {
		return s.local.Ping(ctx)
	}
	return s.shared.Ping(ctx)
}

func (s *FallbackStore) degrade(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("shared counter store unavailable, falling back to local store",
			zap.Error(err),
		)
	}
}

func (s *FallbackStore) restore() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("shared counter store recovered, leaving local fallback")
	}
}

// Probe verifica o shared uma vez e sai do modo degradado se ele respondeu.
func (s *FallbackStore) Probe(ctx context.Context) {
	if s.kind == KindLocal || !s.degraded.Load() {
		return
	}
	if err := s.shared.Ping(ctx); err != nil {
		s.probeLog.Do(func() {
			s.logger.Info("shared counter store still unavailable", zap.Error(err))
		})
		return
	}
	s.restore()
}

// Open faz a checagem inicial do shared (falha não é fatal: começa degradado),
// inicia o janitor do store local e o probe de saúde.
func (s *FallbackStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	if s.kind == KindShared {
		if err := s.shared.Ping(ctx); err != nil {
			s.degrade(err)
		}
	}
	if err := s.local.Open(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	if s.kind == KindLocal || s.probeEvery <= 0 {
		close(done)
		return nil
	}

	t := s.clock.Ticker(s.probeEvery)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Probe(ctx)
			}
		}
	}()
	return nil
}

// Close para o probe e o janitor sem deixar goroutines para trás e fecha
// o store compartilhado quando ele for um io.Closer.
func (s *FallbackStore) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := s.local.Close()
	if c, ok := s.shared.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
