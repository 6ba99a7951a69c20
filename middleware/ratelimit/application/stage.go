package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BlockedMessage substitui a mensagem da política enquanto a chave está
// bloqueada.
const BlockedMessage = "Too many attempts. You are temporarily blocked."

// Stage liga uma política, um contador e o ajuste por papel numa única
// checagem passa/não passa.
type Stage struct {
	policy  domain.Policy
	counter domain.WindowCounter
	enabled bool

	logger *zap.Logger
	errLog *rate.Sometimes
}

// NewStage valida a política e resolve EnabledIn para o ambiente uma única vez.
func NewStage(p domain.Policy, counter domain.WindowCounter, env domain.Environment, logger *zap.Logger) (*Stage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("%w: policy %q has no counter", domain.ErrPolicyMisconfiguration, p.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		policy:  p,
		counter: counter,
		enabled: p.EnabledIn == nil || p.EnabledIn(env),
		logger:  logger,
		errLog:  &rate.Sometimes{Interval: 30 * time.Second},
	}, nil
}

func (s *Stage) Policy() domain.Policy { return s.policy }

// Enabled indica se a política vale no ambiente em que o estágio foi montado.
func (s *Stage) Enabled() bool { return s.enabled }

// Evaluate registra um hit para o chamador e devolve a decisão.
// ran=false quando o estágio foi pulado (desabilitado ou não se aplica ao
// chamador): nesse caso nenhum contador é tocado.
//
// Erros do store nunca saem daqui: o hit é liberado (fail-open).
func (s *Stage) Evaluate(ctx context.Context, subj domain.Subject) (dec domain.Decision, ran bool) {
	if !s.enabled {
		return domain.Decision{}, false
	}
	if s.policy.AppliesTo != nil && !s.policy.AppliesTo(subj) {
		return domain.Decision{}, false
	}

	key := domain.NewKey(s.policy.Name, subj.Resolve(s.policy.IdentityPriority))
	limit := AdjustCap(s.policy.BaseCap, subj.Role)

	cnt, err := s.counter.Hit(ctx, key, s.policy.Window, limit)
	if err != nil && !errors.Is(err, domain.ErrFailedOpen) {
		// ErrFailedOpen já foi logado pelo fallback; o resto é amostrado.
		s.errLog.Do(func() {
			s.logger.Warn("rate limit counter failed, allowing request",
				zap.String("policy", s.policy.Name),
				zap.Bool("storeError", domain.IsStoreError(err)),
				zap.Error(err),
			)
		})
	}

	dec = domain.Decision{
		Key:      key,
		Policy:   s.policy.Name,
		Code:     s.policy.Code,
		Message:  s.policy.Message,
		Allowed:  cnt.Allowed || err != nil,
		Current:  cnt.Current,
		Cap:      limit,
		Window:   s.policy.Window,
		ResetAt:  cnt.ResetAt,
		FailOpen: cnt.FailOpen || err != nil,
		Blocked:  cnt.Blocked && err == nil,
	}
	if dec.Blocked {
		dec.Message = BlockedMessage
	}
	return dec, true
}
