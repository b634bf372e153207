// Package application contém os casos de uso do controle de admissão
// (rate limit multidimensional) e do limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Evaluator.Evaluate(descriptor) retorna uma Decision (admit/deny + quota).
package application
