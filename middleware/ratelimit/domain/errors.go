package domain

import "errors"

// Taxonomia de erros do motor.
//
// ErrStoreUnavailable e ErrStoreTimeout são falhas de infraestrutura: nunca
// chegam ao cliente, apenas disparam fail-open + fallback para o store local.
// ErrPolicyMisconfiguration é fatal e só acontece na inicialização.
// Limite excedido não é erro: é uma Decision com Allowed=false.
var (
	ErrStoreUnavailable       = errors.New("counter store unavailable")
	ErrStoreTimeout           = errors.New("counter store timeout")
	ErrPolicyMisconfiguration = errors.New("policy misconfiguration")

	// ErrFailedOpen marca um hit liberado porque o store compartilhado falhou
	// e o fallback já registrou o incidente.
	ErrFailedOpen = errors.New("counter store failed open")
)

// IsStoreError indica se err é uma falha de infraestrutura do store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrFailedOpen)
}
