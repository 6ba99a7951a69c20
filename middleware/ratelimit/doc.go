// Package ratelimit é o adapter HTTP (net/http) do motor de admissão.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: contadores, estágios, cadeias e o catálogo de políticas
//   - infra: stores de contagem (Redis, local, fallback) e de estatísticas
//   - ratelimit (este pacote): extração do Subject, middleware por cadeia e
//     tradução da decisão para status/headers/corpo JSON
//
// Fluxo no gateway:
//
//  1. Monta o Subject (caller autenticado, bearer, IP/XFF)
//  2. Roda a cadeia da rota (estágios em ordem, para no primeiro que nega)
//  3. Se negado, o DenialHandler responde 429 com Retry-After e o código da política
//  4. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como RATE_ROUTES, RATE_REDIS_ENABLED e LOCKDOWN_ENABLED.
package ratelimit
