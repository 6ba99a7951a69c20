package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"gopkg.in/yaml.v2"
)

// policyFile é o formato do RATE_POLICY_FILE:
//
//	policies:
//	  search:
//	    window: 2m
//	    cap: 120
//	    counter: sliding-window
//	    identity: [ip]
//	  auth:
//	    block: 30m
//	  burst:
//	    disabled: true
type policyFile struct {
	Policies map[string]policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Window   string   `yaml:"window"`
	Cap      *int     `yaml:"cap"`
	Counter  string   `yaml:"counter"`
	Block    string   `yaml:"block"`
	Identity []string `yaml:"identity"`
	Disabled bool     `yaml:"disabled"`
}

func loadPolicyOverrides(path string) (map[string]application.PolicyOverride, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return parsePolicyOverrides(data)
}

// parsePolicyOverrides converte o YAML em overrides. Valores inválidos são
// erro de configuração; a validação final da política acontece no catálogo.
func parsePolicyOverrides(data []byte) (map[string]application.PolicyOverride, error) {
	var f policyFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%w: policy file: %v", domain.ErrPolicyMisconfiguration, err)
	}

	out := make(map[string]application.PolicyOverride, len(f.Policies))
	for name, e := range f.Policies {
		var o application.PolicyOverride
		if e.Window != "" {
			d, err := time.ParseDuration(e.Window)
			if err != nil {
				return nil, fmt.Errorf("%w: policy %q: window: %v", domain.ErrPolicyMisconfiguration, name, err)
			}
			o.Window = &d
		}
		o.Cap = e.Cap
		if e.Counter != "" {
			kind := domain.CounterKind(strings.ToLower(strings.TrimSpace(e.Counter)))
			o.Counter = &kind
		}
		if e.Block != "" {
			d, err := time.ParseDuration(e.Block)
			if err != nil {
				return nil, fmt.Errorf("%w: policy %q: block: %v", domain.ErrPolicyMisconfiguration, name, err)
			}
			o.BlockFor = &d
		}
		for _, id := range e.Identity {
			o.IdentityPriority = append(o.IdentityPriority, domain.IdentityKind(strings.ToLower(strings.TrimSpace(id))))
		}
		o.Disabled = e.Disabled
		out[name] = o
	}
	return out, nil
}
