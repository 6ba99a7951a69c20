package application

import (
	"context"
	"strconv"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
)

// FixedWindowCounter conta hits em buckets alinhados ao relógio:
// bucket = floor(now / window). Quando o bucket vira, a contagem recomeça em 1.
//
// Limitação conhecida e aceita: um cliente consegue até 2×cap hits em torno da
// fronteira entre duas janelas (cap no fim de uma, cap no início da outra).
// Todo hit é contado, inclusive os negados.
type FixedWindowCounter struct {
	Store domain.CounterStore
	Clock clock.Clock
}

func (c FixedWindowCounter) Hit(ctx context.Context, key domain.Key, window time.Duration, cap int) (domain.Count, error) {
	now := nowFrom(c.Clock)

	bucket := now.UnixNano() / int64(window)
	bucketEnd := time.Unix(0, (bucket+1)*int64(window))
	bucketKey := string(key) + ":" + strconv.FormatInt(bucket, 10)

	count, _, err := c.Store.Incr(ctx, bucketKey, bucketEnd.Sub(now), now)
	if err != nil {
		return domain.Count{Allowed: true, FailOpen: true, ResetAt: bucketEnd}, err
	}
	return domain.Count{
		Current: count,
		Allowed: count <= cap,
		ResetAt: bucketEnd,
	}, nil
}

// SlidingWindowLog guarda o timestamp de cada hit aceito na janela móvel.
// Trim, contagem e inserção condicional acontecem numa única operação
// atômica do store (SlidingHit); hits negados não são registrados.
//
// Com BlockFor > 0 o primeiro hit negado bloqueia a chave por BlockFor,
// mesmo que a janela libere espaço antes disso.
type SlidingWindowLog struct {
	Store    domain.CounterStore
	Clock    clock.Clock
	BlockFor time.Duration
}

func (c SlidingWindowLog) Hit(ctx context.Context, key domain.Key, window time.Duration, cap int) (domain.Count, error) {
	now := nowFrom(c.Clock)

	res, err := c.Store.SlidingHit(ctx, string(key), domain.SlidingLimit{
		Window:   window,
		Cap:      cap,
		BlockFor: c.BlockFor,
	}, now)
	if err != nil {
		return domain.Count{Allowed: true, FailOpen: true, ResetAt: now.Add(window)}, err
	}
	return domain.Count{
		Current: res.Count,
		Allowed: res.Allowed,
		ResetAt: res.ResetAt,
		Blocked: res.Blocked,
	}, nil
}

// NewCounter escolhe o algoritmo da política.
func NewCounter(kind domain.CounterKind, store domain.CounterStore, clk clock.Clock) domain.WindowCounter {
	return CounterFor(domain.Policy{Counter: kind}, store, clk)
}

// CounterFor monta o contador da política, incluindo o bloqueio.
func CounterFor(p domain.Policy, store domain.CounterStore, clk clock.Clock) domain.WindowCounter {
	if p.Counter == domain.SlidingWindow {
		return SlidingWindowLog{Store: store, Clock: clk, BlockFor: p.BlockFor}
	}
	return FixedWindowCounter{Store: store, Clock: clk}
}

func nowFrom(c clock.Clock) time.Time {
	if c == nil {
		return time.Now()
	}
	return c.Now()
}
