package domain

import (
	"context"
	"time"
)

// StatsEvent é uma decisão do motor vista pelo sink de estatísticas.
//
// Method/Path são strings livres (HTTP hoje, qualquer transporte amanhã).
// Key e Path têm cardinalidade alta: só persista quando fizer sentido.
type StatsEvent struct {
	Key      Key
	Policy   string
	Code     Code
	Allowed  bool
	FailOpen bool

	Method string
	Path   string

	At time.Time
}

// StatsStore recebe uma StatsEvent por decisão. Falhas são best-effort:
// quem chama loga e segue, a requisição nunca depende disso.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
