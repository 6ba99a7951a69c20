package application

import (
	"fmt"
	"sort"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Políticas nomeadas.
const (
	PolicyGlobal          = "global"
	PolicyAuth            = "auth"
	PolicySensitiveAction = "sensitive-action"
	PolicySearch          = "search"
	PolicyElevated        = "elevated"
	PolicyBurst           = "burst"
	PolicyLockdown        = "lockdown"
)

// Cadeias nomeadas.
const (
	ChainProtectedGlobal = "protected-global"
	ChainProtectedAuth   = "protected-auth"
	ChainProtectedSearch = "protected-search"
	ChainSensitiveAction = "sensitive-action"
	ChainAdmin           = "admin"
)

// DefaultPolicies devolve a tabela padrão de cotas. lockdown controla a
// política de emergência: ela só é avaliada enquanto o switch estiver ligado.
func DefaultPolicies(lockdown *Switch) []domain.Policy {
	prio := domain.DefaultIdentityPriority
	return []domain.Policy{
		{
			Name: PolicyGlobal, Window: 15 * time.Minute, BaseCap: 200,
			IdentityPriority: prio, Counter: domain.FixedWindow,
			Code: domain.CodeTooManyRequests, Message: "Too many requests. Please try again later.",
		},
		{
			Name: PolicyAuth, Window: 10 * time.Minute, BaseCap: 20,
			IdentityPriority: prio, Counter: domain.SlidingWindow, BlockFor: 15 * time.Minute,
			Code: domain.CodeAuth, Message: "Too many authentication attempts. Please try again later.",
			EnabledIn: domain.Environment.IsProduction,
		},
		{
			Name: PolicySensitiveAction, Window: 5 * time.Minute, BaseCap: 5,
			IdentityPriority: prio, Counter: domain.SlidingWindow,
			Code: domain.CodeSensitiveAction, Message: "Too many verification code requests. Try again later.",
		},
		{
			Name: PolicySearch, Window: time.Minute, BaseCap: 60,
			IdentityPriority: prio, Counter: domain.FixedWindow,
			Code: domain.CodeSearch, Message: "Too many search requests. Please slow down.",
		},
		{
			Name: PolicyElevated, Window: 15 * time.Minute, BaseCap: 500,
			IdentityPriority: prio, Counter: domain.FixedWindow,
			Code: domain.CodeTooManyRequests, Message: "Too many requests. Please try again later.",
			AppliesTo: func(s domain.Subject) bool { return s.Role == domain.RoleAdmin },
		},
		{
			Name: PolicyBurst, Window: 30 * time.Second, BaseCap: 30,
			IdentityPriority: prio, Counter: domain.SlidingWindow,
			Code: domain.CodeTooManyRequests, Message: "Too many requests in a short time. Please slow down.",
		},
		{
			Name: PolicyLockdown, Window: time.Hour, BaseCap: 50,
			IdentityPriority: prio, Counter: domain.FixedWindow,
			Code: domain.CodeEmergency, Message: "Service temporarily restricted due to high traffic.",
			AppliesTo: func(domain.Subject) bool { return lockdown.On() },
		},
	}
}

// DefaultChains compõe as políticas; o lockdown vem sempre primeiro.
func DefaultChains() map[string][]string {
	return map[string][]string{
		ChainProtectedGlobal: {PolicyLockdown, PolicyBurst, PolicyGlobal},
		ChainProtectedAuth:   {PolicyLockdown, PolicyAuth},
		ChainProtectedSearch: {PolicyLockdown, PolicySearch},
		ChainSensitiveAction: {PolicyLockdown, PolicySensitiveAction},
		ChainAdmin:           {PolicyLockdown, PolicyElevated},
	}
}

// PolicyOverride altera uma política padrão; campos nil/vazios são mantidos.
type PolicyOverride struct {
	Window           *time.Duration
	Cap              *int
	Counter          *domain.CounterKind
	BlockFor         *time.Duration
	IdentityPriority []domain.IdentityKind
	Disabled         bool
}

// ApplyOverrides devolve uma cópia de policies com os overrides aplicados.
// Override para política inexistente é erro de configuração.
func ApplyOverrides(policies []domain.Policy, overrides map[string]PolicyOverride) ([]domain.Policy, error) {
	out := append([]domain.Policy(nil), policies...)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.Name] = i
	}
	for name, o := range overrides {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: override for unknown policy %q", domain.ErrPolicyMisconfiguration, name)
		}
		p := out[i]
		if o.Window != nil {
			p.Window = *o.Window
		}
		if o.Cap != nil {
			p.BaseCap = *o.Cap
		}
		if o.Counter != nil {
			p.Counter = *o.Counter
			// bloqueio só existe no log deslizante
			if p.Counter != domain.SlidingWindow {
				p.BlockFor = 0
			}
		}
		if o.BlockFor != nil {
			p.BlockFor = *o.BlockFor
		}
		if len(o.IdentityPriority) > 0 {
			p.IdentityPriority = append([]domain.IdentityKind(nil), o.IdentityPriority...)
		}
		if o.Disabled {
			p.EnabledIn = func(domain.Environment) bool { return false }
		}
		out[i] = p
	}
	return out, nil
}

// CatalogConfig descreve como montar políticas e cadeias na inicialização.
type CatalogConfig struct {
	Env    domain.Environment
	Store  domain.CounterStore
	Clock  clock.Clock
	Logger *zap.Logger

	// Policies e Chains vazios usam DefaultPolicies(Lockdown) e DefaultChains().
	Policies []domain.Policy
	Chains   map[string][]string
	Lockdown *Switch
}

// Catalog guarda as políticas e cadeias montadas. É somente leitura depois de
// construído, então não precisa de lock.
type Catalog struct {
	policies map[string]domain.Policy
	chains   map[string]*Chain
}

// NewCatalog valida tudo e falha rápido com ErrPolicyMisconfiguration.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: counter store is required", domain.ErrPolicyMisconfiguration)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Policies) == 0 {
		cfg.Policies = DefaultPolicies(cfg.Lockdown)
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = DefaultChains()
	}

	c := &Catalog{
		policies: make(map[string]domain.Policy, len(cfg.Policies)),
		chains:   make(map[string]*Chain, len(cfg.Chains)),
	}
	stages := make(map[string]*Stage, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if _, dup := c.policies[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicated policy %q", domain.ErrPolicyMisconfiguration, p.Name)
		}
		st, err := NewStage(p, CounterFor(p, cfg.Store, cfg.Clock), cfg.Env, cfg.Logger)
		if err != nil {
			return nil, err
		}
		c.policies[p.Name] = p
		stages[p.Name] = st
	}

	for name, refs := range cfg.Chains {
		chainStages := make([]*Stage, 0, len(refs))
		for _, ref := range refs {
			st, ok := stages[ref]
			if !ok {
				return nil, fmt.Errorf("%w: chain %q references unknown policy %q", domain.ErrPolicyMisconfiguration, name, ref)
			}
			chainStages = append(chainStages, st)
		}
		ch, err := NewChain(name, chainStages...)
		if err != nil {
			return nil, err
		}
		c.chains[name] = ch
	}
	return c, nil
}

func (c *Catalog) Chain(name string) (*Chain, bool) {
	ch, ok := c.chains[name]
	return ch, ok
}

func (c *Catalog) Policy(name string) (domain.Policy, bool) {
	p, ok := c.policies[name]
	return p, ok
}

func (c *Catalog) PolicyNames() []string {
	names := make([]string, 0, len(c.policies))
	for name := range c.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) ChainNames() []string {
	names := make([]string, 0, len(c.chains))
	for name := range c.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
