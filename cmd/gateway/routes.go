package main

import (
	"fmt"
	"net/http"
	"strings"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
)

// routeRule liga um prefixo (e opcionalmente um método) a uma cadeia.
type routeRule struct {
	method string
	prefix string
	chain  string
}

// parseRoutes lê RATE_ROUTES no formato
// "[METHOD ]/prefix=chain,..." (ex.: "POST /auth=protected-auth,/search=protected-search").
func parseRoutes(s string) ([]routeRule, error) {
	var rules []routeRule
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lhs, chain, ok := strings.Cut(item, "=")
		chain = strings.TrimSpace(chain)
		if !ok || chain == "" {
			return nil, fmt.Errorf("%w: RATE_ROUTES entry %q must be [METHOD ]/prefix=chain", domain.ErrPolicyMisconfiguration, item)
		}
		rule := routeRule{chain: chain}
		fields := strings.Fields(lhs)
		switch len(fields) {
		case 1:
			rule.prefix = fields[0]
		case 2:
			rule.method = strings.ToUpper(fields[0])
			rule.prefix = fields[1]
		default:
			return nil, fmt.Errorf("%w: RATE_ROUTES entry %q must be [METHOD ]/prefix=chain", domain.ErrPolicyMisconfiguration, item)
		}
		if !strings.HasPrefix(rule.prefix, "/") {
			return nil, fmt.Errorf("%w: RATE_ROUTES prefix %q must start with /", domain.ErrPolicyMisconfiguration, rule.prefix)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// newRouter monta o chi router: cada prefixo passa pela sua cadeia antes de
// chegar em upstream; o resto usa defaultChain (vazio = sem limite).
func newRouter(cat *application.Catalog, opts ratelimit.Options, rules []routeRule, defaultChain string, upstream http.Handler) (http.Handler, error) {
	middlewareFor := func(name string) (func(http.Handler) http.Handler, error) {
		ch, ok := cat.Chain(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown chain %q", domain.ErrPolicyMisconfiguration, name)
		}
		return ratelimit.Middleware(opts.ForChain(ch)), nil
	}

	fallback := upstream
	if defaultChain != "" {
		mw, err := middlewareFor(defaultChain)
		if err != nil {
			return nil, err
		}
		fallback = mw(upstream)
	}

	// agrupa por prefixo: chi não deixa o mesmo padrão cair em outra rota
	// quando o método não bate, então o método é resolvido aqui.
	byPrefix := map[string]map[string]http.Handler{}
	var order []string
	for _, rule := range rules {
		mw, err := middlewareFor(rule.chain)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimRight(rule.prefix, "/")
		if _, seen := byPrefix[prefix]; !seen {
			byPrefix[prefix] = map[string]http.Handler{}
			order = append(order, prefix)
		}
		byPrefix[prefix][rule.method] = mw(upstream)
	}

	r := chi.NewRouter()
	catchAll := fallback
	for _, prefix := range order {
		h := byMethod(byPrefix[prefix], fallback)
		if prefix == "" {
			catchAll = h
			continue
		}
		r.Handle(prefix, h)
		r.Handle(prefix+"/*", h)
	}
	r.Handle("/*", catchAll)
	return r, nil
}

func byMethod(handlers map[string]http.Handler, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.Method]; ok {
			h.ServeHTTP(w, r)
			return
		}
		if h, ok := handlers[""]; ok {
			h.ServeHTTP(w, r)
			return
		}
		fallback.ServeHTTP(w, r)
	})
}
