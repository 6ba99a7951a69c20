package domain

import (
	"context"
	"time"
)

// CounterStore é o único recurso mutável compartilhado do motor.
//
// Cada operação precisa ser atômica por chave: hits concorrentes na mesma
// chave são serializados, então nunca mais que cap hits passam numa janela.
// As implementações recebem o instante "now" de fora para que todas as camadas
// usem o mesmo relógio.
type CounterStore interface {
	// Incr incrementa o contador de key e define a expiração em ttl quando o
	// contador é criado. Retorna a contagem já incrementada e quando expira.
	Incr(ctx context.Context, key string, ttl time.Duration, now time.Time) (count int, resetAt time.Time, err error)

	// SlidingHit faz, numa única operação atômica: descarta timestamps com
	// idade >= limit.Window, conta os restantes e, se count < limit.Cap,
	// registra now. Com limit.BlockFor > 0, um hit negado bloqueia a chave
	// até now+BlockFor, e todo hit durante o bloqueio é negado sem ser
	// registrado.
	SlidingHit(ctx context.Context, key string, limit SlidingLimit, now time.Time) (SlidingResult, error)

	// Ping verifica se o store está saudável.
	Ping(ctx context.Context) error
}

// SlidingLimit parametriza um hit no log deslizante.
type SlidingLimit struct {
	Window   time.Duration
	Cap      int
	BlockFor time.Duration
}

// SlidingResult é o resultado de um SlidingHit. Count é a contagem após a
// eventual inserção; com Blocked, ResetAt é o fim do bloqueio.
type SlidingResult struct {
	Count   int
	Allowed bool
	Blocked bool
	ResetAt time.Time
}

// WindowCounter é um algoritmo de contagem sobre um CounterStore.
type WindowCounter interface {
	Hit(ctx context.Context, key Key, window time.Duration, cap int) (Count, error)
}
