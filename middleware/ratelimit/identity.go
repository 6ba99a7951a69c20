package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// Caller é a identidade resolvida pela camada de autenticação.
type Caller struct {
	ID   string
	Role domain.Role
}

type callerKey struct{}

// WithCaller anexa o chamador autenticado ao contexto da requisição.
// Deve ser chamado pelo middleware de autenticação, antes do rate limit.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// SubjectFunc extrai o Subject de uma requisição.
type SubjectFunc func(r *http.Request) domain.Subject

// DefaultSubjectFunc monta o Subject a partir de:
//   - Caller do contexto (WithCaller); na falta dele, identityHeader/roleHeader
//     quando configurados (auth proxy na frente do gateway)
//   - Authorization: Bearer <token>
//   - endereço do cliente (X-Forwarded-For só com trustXFF)
func DefaultSubjectFunc(identityHeader, roleHeader string, trustXFF bool) SubjectFunc {
	return func(r *http.Request) domain.Subject {
		subj := domain.Subject{
			Credential: bearerToken(r),
			Addr:       clientAddr(r, trustXFF),
		}
		if c, ok := CallerFrom(r.Context()); ok {
			subj.CallerID = c.ID
			subj.Role = c.Role
			return subj
		}
		if identityHeader != "" {
			subj.CallerID = strings.TrimSpace(r.Header.Get(identityHeader))
		}
		if roleHeader != "" {
			subj.Role = domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(roleHeader))))
		}
		return subj
	}
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func clientAddr(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
