package application

import (
	"context"
	"fmt"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// Chain é uma sequência ordenada e imutável de estágios.
//
// A avaliação é estritamente sequencial: o primeiro estágio que nega encerra a
// cadeia e os seguintes não registram hit para essa requisição.
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Chain struct {
	name   string
	stages []*Stage
}

func NewChain(name string, stages ...*Stage) (*Chain, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: chain name is required", domain.ErrPolicyMisconfiguration)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: chain %q has no stages", domain.ErrPolicyMisconfiguration, name)
	}
	for i, st := range stages {
		if st == nil {
			return nil, fmt.Errorf("%w: chain %q: stage %d is nil", domain.ErrPolicyMisconfiguration, name, i)
		}
	}
	return &Chain{name: name, stages: append([]*Stage(nil), stages...)}, nil
}

func (c *Chain) Name() string { return c.name }

// Policies lista as políticas na ordem de avaliação.
func (c *Chain) Policies() []string {
	out := make([]string, len(c.stages))
	for i, st := range c.stages {
		out[i] = st.policy.Name
	}
	return out
}

// Decide roda os estágios em ordem. Na negação devolve a decisão do estágio
// que negou; se tudo passar, devolve a decisão mais restritiva (menor
// remaining), usada nos headers informativos. Se nenhum estágio rodou, a
// decisão é Allowed com Cap zero.
func (c *Chain) Decide(ctx context.Context, subj domain.Subject) domain.Decision {
	var (
		best domain.Decision
		ran  bool
	)
	for _, st := range c.stages {
		dec, ok := st.Evaluate(ctx, subj)
		if !ok {
			continue
		}
		if !dec.Allowed {
			return dec
		}
		if !ran || dec.Remaining() < best.Remaining() {
			best = dec
		}
		ran = true
	}
	if !ran {
		return domain.Decision{Allowed: true}
	}
	return best
}
