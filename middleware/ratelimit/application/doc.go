// Package application contém os casos de uso do controle de admissão:
// algoritmos de contagem, ajuste de cota por papel, estágios e cadeias.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Chain.Decide(ctx, subject) retorna uma Decision (allow/deny + reset).
package application
