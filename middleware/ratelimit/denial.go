package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// DenialHandler concentra o que acontece depois da decisão: métricas,
// estatísticas, log da negação e a resposta 429. Toda política responde
// com o mesmo formato, só mudam código e mensagem.
type DenialHandler struct {
	logger *zap.Logger
	scope  tally.Scope
	stats  domain.StatsStore
	clock  clock.Clock
}

type DenialOption func(*DenialHandler)

func WithDenialLogger(l *zap.Logger) DenialOption {
	return func(h *DenialHandler) { h.logger = l }
}

// WithScope define o escopo tally onde ficam os contadores de decisão.
func WithScope(s tally.Scope) DenialOption {
	return func(h *DenialHandler) { h.scope = s }
}

// WithStats liga o sink de estatísticas (best-effort).
func WithStats(s domain.StatsStore) DenialOption {
	return func(h *DenialHandler) { h.stats = s }
}

func WithDenialClock(c clock.Clock) DenialOption {
	return func(h *DenialHandler) { h.clock = c }
}

func NewDenialHandler(opts ...DenialOption) *DenialHandler {
	h := &DenialHandler{
		logger: zap.NewNop(),
		scope:  tally.NoopScope,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type denialBody struct {
	Success bool        `json:"success"`
	Error   domain.Code `json:"error"`
	Message string      `json:"message"`
	// RetryAfter (segundos) só vai no corpo quando a chave está bloqueada.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// Observe registra a decisão (permitida ou negada) em métricas e stats.
func (h *DenialHandler) Observe(r *http.Request, dec domain.Decision) {
	outcome := "allow"
	if !dec.Allowed {
		outcome = "deny"
	}
	policy := dec.Policy
	if policy == "" {
		policy = "none"
	}
	tagged := h.scope.Tagged(map[string]string{"outcome": outcome, "policy": policy})
	tagged.Counter("decisions").Inc(1)
	if dec.FailOpen {
		h.scope.Tagged(map[string]string{"policy": policy}).Counter("fail_open").Inc(1)
	}
	if dec.Blocked {
		h.scope.Tagged(map[string]string{"policy": policy}).Counter("blocked").Inc(1)
	}

	if h.stats == nil {
		return
	}
	err := h.stats.Record(r.Context(), domain.StatsEvent{
		Key:      dec.Key,
		Policy:   dec.Policy,
		Code:     dec.Code,
		Allowed:  dec.Allowed,
		FailOpen: dec.FailOpen,
		Method:   r.Method,
		Path:     r.URL.Path,
		At:       h.clock.Now(),
	})
	if err != nil {
		h.logger.Debug("rate limit stats record failed", zap.Error(err))
	}
}

// Deny loga a negação e escreve o 429.
func (h *DenialHandler) Deny(w http.ResponseWriter, r *http.Request, dec domain.Decision) {
	fields := []zap.Field{
		zap.String("key", string(dec.Key)),
		zap.String("policy", dec.Policy),
		zap.String("route", routeOf(r)),
		zap.String("method", r.Method),
		zap.Int("cap", dec.Cap),
		zap.Duration("window", dec.Window),
	}
	switch {
	case dec.Code == domain.CodeEmergency:
		h.logger.Error("emergency limiter active", fields...)
	case dec.Blocked:
		h.logger.Warn("caller temporarily blocked", append(fields, zap.Time("blockedUntil", dec.ResetAt))...)
	default:
		h.logger.Warn("rate limit exceeded", fields...)
	}

	retry := int(dec.RetryAfter(h.clock.Now()) / time.Second)
	body := denialBody{
		Success: false,
		Error:   dec.Code,
		Message: dec.Message,
	}
	if dec.Blocked {
		body.RetryAfter = retry
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", formatInt(retry))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

// routeOf prefere o padrão da rota chi (baixa cardinalidade) ao path bruto.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
