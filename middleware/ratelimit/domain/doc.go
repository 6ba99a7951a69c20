// Package domain define contratos e tipos de domínio do controle de admissão
// (rate limit): identidade, políticas de cota, contadores e decisões.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura (Redis, memória local).
package domain
