// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - LocalStore: contadores em memória, particionados por xxhash, com janitor
//   - SharedStore: contadores no Redis via scripts Lua (uma ida ao servidor por hit)
//   - FallbackStore: fail-open do SharedStore para o LocalStore, com probe de saúde
//   - MemoryStatsStore / RedisStatsStore: estatísticas de decisões
package infra
