package infra

import (
	"context"
	"sort"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// LocalStore é o CounterStore em memória do processo: efêmero e sempre
// disponível. O mapa é particionado em shards (xxhash da chave), cada um com
// seu mutex, o que serializa hits na mesma chave sem travar o resto.
//
// Um janitor periódico remove janelas fixas expiradas e logs deslizantes
// vazios, então registros velhos não crescem memória indefinidamente.
type LocalStore struct {
	shards       [shardCount]*shard
	clock        clock.Clock
	cleanupEvery time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type shard struct {
	mu      sync.Mutex
	fixed   map[string]*fixedEntry
	sliding map[string]*slidingEntry
}

type fixedEntry struct {
	count     int
	expiresAt time.Time
}

// slidingEntry guarda os timestamps em ordem crescente.
type slidingEntry struct {
	hits         []time.Time
	window       time.Duration
	blockedUntil time.Time
}

var _ domain.CounterStore = (*LocalStore)(nil)

type StoreOption func(*LocalStore)

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *LocalStore) { s.cleanupEvery = d }
}

// WithClock troca o relógio (útil em testes com clock.NewMock()).
func WithClock(c clock.Clock) StoreOption {
	return func(s *LocalStore) { s.clock = c }
}

func NewLocalStore(opts ...StoreOption) *LocalStore {
	s := &LocalStore{
		clock:        clock.New(),
		cleanupEvery: time.Minute,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			fixed:   make(map[string]*fixedEntry),
			sliding: make(map[string]*slidingEntry),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *LocalStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *LocalStore) Incr(_ context.Context, key string, ttl time.Duration, now time.Time) (int, time.Time, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.fixed[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &fixedEntry{expiresAt: now.Add(ttl)}
		sh.fixed[key] = ent
	}
	ent.count++
	return ent.count, ent.expiresAt, nil
}

func (s *LocalStore) SlidingHit(_ context.Context, key string, limit domain.SlidingLimit, now time.Time) (domain.SlidingResult, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.sliding[key]
	if !ok {
		ent = &slidingEntry{window: limit.Window}
		sh.sliding[key] = ent
	}
	ent.window = limit.Window
	ent.trim(now)

	if limit.BlockFor > 0 && now.Before(ent.blockedUntil) {
		return domain.SlidingResult{Count: len(ent.hits), Blocked: true, ResetAt: ent.blockedUntil}, nil
	}

	res := domain.SlidingResult{Allowed: len(ent.hits) < limit.Cap}
	if res.Allowed {
		ent.insert(now)
	}
	res.Count = len(ent.hits)

	switch {
	case !res.Allowed && limit.BlockFor > 0:
		ent.blockedUntil = now.Add(limit.BlockFor)
		res.Blocked = true
		res.ResetAt = ent.blockedUntil
	case len(ent.hits) > 0:
		res.ResetAt = ent.hits[0].Add(limit.Window)
	default:
		res.ResetAt = now.Add(limit.Window)
	}
	if ent.idle(now) {
		delete(sh.sliding, key)
	}
	return res, nil
}

// idle indica que o registro pode ser descartado: sem hits e sem bloqueio.
func (e *slidingEntry) idle(now time.Time) bool {
	return len(e.hits) == 0 && !now.Before(e.blockedUntil)
}

// trim descarta entradas com idade >= window.
func (e *slidingEntry) trim(now time.Time) {
	cutoff := now.Add(-e.window)
	i := sort.Search(len(e.hits), func(i int) bool { return e.hits[i].After(cutoff) })
	if i > 0 {
		e.hits = append(e.hits[:0], e.hits[i:]...)
	}
}

func (e *slidingEntry) insert(at time.Time) {
	i := sort.Search(len(e.hits), func(i int) bool { return e.hits[i].After(at) })
	e.hits = append(e.hits, time.Time{})
	copy(e.hits[i+1:], e.hits[i:])
	e.hits[i] = at
}

// Ping nunca falha: o store local está sempre disponível.
func (s *LocalStore) Ping(context.Context) error { return nil }

// Len devolve quantos registros (fixos + deslizantes) estão em memória.
func (s *LocalStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.fixed) + len(sh.sliding)
		sh.mu.Unlock()
	}
	return n
}

// Cleanup remove janelas expiradas e logs que esvaziaram (e não estão
// bloqueados).
func (s *LocalStore) Cleanup() {
	now := s.clock.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, ent := range sh.fixed {
			if !now.Before(ent.expiresAt) {
				delete(sh.fixed, k)
			}
		}
		for k, ent := range sh.sliding {
			ent.trim(now)
			if ent.idle(now) {
				delete(sh.sliding, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Open inicia o janitor que limpa registros expirados periodicamente.
// Pare com Close (ou cancelando o contexto).
func (s *LocalStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.cleanupEvery <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	t := s.clock.Ticker(s.cleanupEvery)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
	return nil
}

// Close para o janitor e espera a goroutine terminar.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
