// utilitário pequeno para formatação rápida/consistente de valores numéricos em headers/logs.
//    Evita puxar fmt (que é mais “pesado” e genérico) só para formatação simples

package ratelimit

import "strconv"

func formatInt(v int) string { return strconv.Itoa(v) }

// formatHash usa hexadecimal de largura fixa para que ids de usuário tenham
// sempre o mesmo tamanho.
func formatHash(v uint64) string {
	s := strconv.FormatUint(v, 16)
	const width = 16
	if len(s) < width {
		s = "0000000000000000"[:width-len(s)] + s
	}
	return s
}
