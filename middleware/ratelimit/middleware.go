package ratelimit

import (
	"net/http"

	"admission-gateway/middleware/ratelimit/application"

	"github.com/benbjohnson/clock"
)

type Options struct {
	// Chain é a cadeia avaliada antes do handler. Obrigatória.
	Chain   *application.Chain
	Denials *DenialHandler

	SubjectFn          SubjectFunc
	IdentityHeader     string
	RoleHeader         string
	TrustXForwardedFor bool

	// AddRateLimitHeaders anexa X-RateLimit-Limit/Remaining/Reset.
	AddRateLimitHeaders bool
	Clock               clock.Clock
}

// Middleware roda a cadeia e, se ela negar, responde 429 sem chamar next.
// Erros de infraestrutura nunca chegam aqui: a cadeia já liberou o hit.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.SubjectFn == nil {
		opts.SubjectFn = DefaultSubjectFunc(opts.IdentityHeader, opts.RoleHeader, opts.TrustXForwardedFor)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Denials == nil {
		opts.Denials = NewDenialHandler(WithDenialClock(opts.Clock))
	}

	return func(next http.Handler) http.Handler {
		if opts.Chain == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := opts.Chain.Decide(r.Context(), opts.SubjectFn(r))
			opts.Denials.Observe(r, dec)

			if opts.AddRateLimitHeaders && dec.Cap > 0 {
				w.Header().Set("X-RateLimit-Limit", formatInt(dec.Cap))
				w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining()))
				w.Header().Set("X-RateLimit-Reset", formatInt64(dec.ResetAt.Unix()))
			}

			if !dec.Allowed {
				opts.Denials.Deny(w, r, dec)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ForChain devolve uma cópia das opções apontando para outra cadeia.
func (o Options) ForChain(c *application.Chain) Options {
	o.Chain = c
	return o
}
