package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// Counters agrega decisões. FailOpen conta as liberadas sem contagem
// confiável (store compartilhado fora do ar) e também entra em Allowed.
type Counters struct {
	Allowed  int64 `json:"allowed"`
	Denied   int64 `json:"denied"`
	FailOpen int64 `json:"fail_open,omitempty"`
}

func (c *Counters) add(ev domain.StatsEvent) {
	if ev.FailOpen {
		c.FailOpen++
	}
	if ev.Allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// MemoryStatsStore guarda as estatísticas no processo. Sem expiração:
// serve para testes, o example-server e o gateway sem Redis.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byRoute  map[string]Counters
	byPolicy map[string]Counters
	byKey    map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute:  make(map[string]Counters),
		byPolicy: make(map[string]Counters),
		byKey:    make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)
	bump(s.byRoute, route, ev)
	if ev.Policy != "" {
		bump(s.byPolicy, ev.Policy, ev)
	}
	if s.trackKeys {
		bump(s.byKey, string(ev.Key), ev)
	}
	return nil
}

func bump(m map[string]Counters, k string, ev domain.StatsEvent) {
	c := m[k]
	c.add(ev)
	m[k] = c
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PolicyTotals devolve os contadores de uma política (ou o total, com policy vazio).
func (s *MemoryStatsStore) PolicyTotals(_ context.Context, policy string) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if policy == "" {
		return s.total, nil
	}
	return s.byPolicy[policy], nil
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	return s.snapshot(func() map[string]Counters { return s.byRoute })
}

func (s *MemoryStatsStore) ByPolicy() map[string]Counters {
	return s.snapshot(func() map[string]Counters { return s.byPolicy })
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	return s.snapshot(func() map[string]Counters { return s.byKey })
}

func (s *MemoryStatsStore) snapshot(pick func() map[string]Counters) map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := pick()
	out := make(map[string]Counters, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
