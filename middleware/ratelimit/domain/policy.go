package domain

import (
	"fmt"
	"strings"
	"time"
)

// Environment é o ambiente de execução (production, development, test...).
type Environment string

const EnvProduction Environment = "production"

func (e Environment) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(string(e)), string(EnvProduction))
}

// CounterKind seleciona o algoritmo de contagem de uma política.
type CounterKind string

const (
	FixedWindow   CounterKind = "fixed-window"
	SlidingWindow CounterKind = "sliding-window"
)

// Code é o código de erro devolvido no corpo do 429.
type Code string

const (
	CodeTooManyRequests Code = "TOO_MANY_REQUESTS"
	CodeAuth            Code = "AUTH_RATE_LIMIT"
	CodeSensitiveAction Code = "SENSITIVE_ACTION_RATE_LIMIT"
	CodeSearch          Code = "SEARCH_RATE_LIMIT"
	CodeEmergency       Code = "EMERGENCY_LIMIT"
)

// Policy é a definição declarativa de uma cota.
//
// É construída uma vez na inicialização e não muda depois disso.
type Policy struct {
	Name             string
	Window           time.Duration
	BaseCap          int
	IdentityPriority []IdentityKind
	Counter          CounterKind
	// BlockFor > 0 bloqueia a chave por esse tempo no primeiro hit negado.
	// Só vale para SlidingWindow.
	BlockFor time.Duration

	Code    Code
	Message string

	// EnabledIn é avaliado uma única vez, na construção do estágio.
	// nil significa sempre habilitada.
	EnabledIn func(Environment) bool
	// AppliesTo é avaliado por requisição (ex: só para administradores).
	// nil significa que vale para todo chamador.
	AppliesTo func(Subject) bool
}

// Validate falha com ErrPolicyMisconfiguration para janela, cap, prioridade,
// contador ou bloqueio inválidos.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: policy name is required", ErrPolicyMisconfiguration)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("%w: policy %q: window must be >= 1ms, got %s", ErrPolicyMisconfiguration, p.Name, p.Window)
	}
	if p.BaseCap <= 0 {
		return fmt.Errorf("%w: policy %q: cap must be > 0, got %d", ErrPolicyMisconfiguration, p.Name, p.BaseCap)
	}
	if len(p.IdentityPriority) == 0 {
		return fmt.Errorf("%w: policy %q: identity priority is empty", ErrPolicyMisconfiguration, p.Name)
	}
	seen := make(map[IdentityKind]bool, len(p.IdentityPriority))
	for _, k := range p.IdentityPriority {
		if !k.Valid() {
			return fmt.Errorf("%w: policy %q: unknown identity kind %q", ErrPolicyMisconfiguration, p.Name, k)
		}
		if seen[k] {
			return fmt.Errorf("%w: policy %q: duplicated identity kind %q", ErrPolicyMisconfiguration, p.Name, k)
		}
		seen[k] = true
	}
	switch p.Counter {
	case FixedWindow, SlidingWindow:
	default:
		return fmt.Errorf("%w: policy %q: unknown counter kind %q", ErrPolicyMisconfiguration, p.Name, p.Counter)
	}
	if p.BlockFor < 0 {
		return fmt.Errorf("%w: policy %q: block duration must be >= 0, got %s", ErrPolicyMisconfiguration, p.Name, p.BlockFor)
	}
	if p.BlockFor > 0 && p.Counter != SlidingWindow {
		return fmt.Errorf("%w: policy %q: block requires the %s counter", ErrPolicyMisconfiguration, p.Name, SlidingWindow)
	}
	return nil
}
