package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Key é a chave de contagem já escopada por política e identidade,
// no formato "<policy>:<kind>:<value>". É imutável depois de calculada.
type Key string

// NewKey monta a chave de uma política para uma identidade resolvida.
func NewKey(policy string, id Identity) Key {
	return Key(policy + ":" + string(id.Kind) + ":" + id.Value)
}

// IdentityKind é o tipo de identidade usado para compor a chave.
type IdentityKind string

const (
	IdentityUser  IdentityKind = "user"
	IdentityToken IdentityKind = "token"
	IdentityIP    IdentityKind = "ip"
)

// DefaultIdentityPriority é a ordem padrão: usuário autenticado, credencial
// bearer e, por último, o endereço de rede.
var DefaultIdentityPriority = []IdentityKind{IdentityUser, IdentityToken, IdentityIP}

func (k IdentityKind) Valid() bool {
	switch k {
	case IdentityUser, IdentityToken, IdentityIP:
		return true
	}
	return false
}

// Role é o papel do chamador, resolvido pela camada de autenticação.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// Subject reúne o que a requisição expõe sobre o chamador.
//
// CallerID e Role vêm da autenticação (upstream); Credential é o token bearer
// bruto; Addr é o endereço de rede do cliente.
type Subject struct {
	CallerID   string
	Role       Role
	Credential string
	Addr       string
}

// Identity é a identidade escolhida para uma política.
type Identity struct {
	Kind  IdentityKind
	Value string
}

// Resolve escolhe a identidade seguindo a prioridade (primeiro match vence).
// É determinística e sem efeitos colaterais.
//
// A credencial nunca entra na chave em claro: usamos um prefixo do SHA-256.
func (s Subject) Resolve(priority []IdentityKind) Identity {
	if len(priority) == 0 {
		priority = DefaultIdentityPriority
	}
	for _, kind := range priority {
		switch kind {
		case IdentityUser:
			if v := strings.TrimSpace(s.CallerID); v != "" {
				return Identity{Kind: IdentityUser, Value: v}
			}
		case IdentityToken:
			if v := strings.TrimSpace(s.Credential); v != "" {
				return Identity{Kind: IdentityToken, Value: credentialDigest(v)}
			}
		case IdentityIP:
			if v := strings.TrimSpace(s.Addr); v != "" {
				return Identity{Kind: IdentityIP, Value: v}
			}
		}
	}
	return Identity{Kind: IdentityIP, Value: "unknown"}
}

func credentialDigest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}

// Count é o retorno de um contador para um hit.
type Count struct {
	Current int
	Allowed bool
	ResetAt time.Time
	// FailOpen indica que o store compartilhado falhou e o hit foi liberado
	// sem contagem confiável.
	FailOpen bool
	// Blocked indica que a chave está bloqueada por tentativas em excesso.
	Blocked bool
}

// Decision é o registro efêmero de uma decisão (por requisição).
type Decision struct {
	Key      Key
	Policy   string
	Code     Code
	Message  string
	Allowed  bool
	Current  int
	Cap      int
	Window   time.Duration
	ResetAt  time.Time
	FailOpen bool
	Blocked  bool
}

// Remaining é quanto ainda cabe na janela (nunca negativo).
func (d Decision) Remaining() int {
	if r := d.Cap - d.Current; r > 0 {
		return r
	}
	return 0
}

// RetryAfter é o tempo até resetAt, arredondado para cima em segundos
// e com mínimo de 1s.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	secs := wait / time.Second
	if wait%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
