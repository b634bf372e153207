package domain

import (
	"context"
	"time"
)

// Resultados de uma decisão, como aparecem nas estatísticas.
const (
	OutcomeAdmitted = "admitted"
	OutcomeDenied   = "denied"
	OutcomeExempt   = "exempt"
)

// OtherEndpoint agrupa as requisições que não casaram com nenhum endpoint
// registrado.
const OtherEndpoint = "*"

// StatsEvent é uma decisão já tomada, para contabilidade. Key é a chave da
// janela mais restritiva (ou da que negou); vazia para isentos.
//
// Key tem cardinalidade alta (um valor por cliente): guarde com cuidado em
// Redis/Prometheus.
type StatsEvent struct {
	Key      string
	Admitted bool
	Exempt   bool
	// DeniedBy é a dimensão que negou (vazio quando admitido).
	DeniedBy DimensionKind

	Method string
	// Endpoint é o endpoint registrado (ex: "/api/admin/*"), nunca o caminho
	// cru da requisição.
	Endpoint string

	At time.Time
}

// Route é "<METHOD> <endpoint>", com OtherEndpoint quando nenhum casou.
// Limitado pelo número de endpoints configurados.
func (ev StatsEvent) Route() string {
	endpoint := ev.Endpoint
	if endpoint == "" {
		endpoint = OtherEndpoint
	}
	if ev.Method == "" {
		return endpoint
	}
	return ev.Method + " " + endpoint
}

// Outcome classifica o evento. Isenção tem precedência sobre admissão.
func (ev StatsEvent) Outcome() string {
	switch {
	case ev.Exempt:
		return OutcomeExempt
	case ev.Admitted:
		return OutcomeAdmitted
	}
	return OutcomeDenied
}

// StatsStore recebe os eventos de decisão. Erros são best-effort: quem chama
// registra e segue, a requisição nunca falha por causa das estatísticas.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
