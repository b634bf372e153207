package application

import "strconv"

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// HeadersFor monta os headers de quota. Função pura: não consulta nenhum estado.
func HeadersFor(limit, remaining int, reset int64) map[string]string {
	return map[string]string{
		HeaderLimit:     strconv.Itoa(limit),
		HeaderRemaining: strconv.Itoa(remaining),
		HeaderReset:     strconv.FormatInt(reset, 10),
	}
}
