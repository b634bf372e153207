package infra

import (
	"context"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStatsStore expõe as decisões como contadores Prometheus.
// Os rótulos são só outcome e dimension; chave e path ficam de fora por
// causa da cardinalidade.
type PrometheusStatsStore struct {
	decisions *prometheus.CounterVec
}

func NewPrometheusStatsStore(reg prometheus.Registerer, namespace string) (*PrometheusStatsStore, error) {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions by outcome and denying dimension.",
	}, []string{"outcome", "dimension"})

	if reg != nil {
		if err := reg.Register(decisions); err != nil {
			return nil, err
		}
	}
	return &PrometheusStatsStore{decisions: decisions}, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.decisions.WithLabelValues(ev.Outcome(), string(ev.DeniedBy)).Inc()
	return nil
}

// WindowGauge publica o número de janelas mantidas pelo store.
func WindowGauge(reg prometheus.Registerer, namespace string, store *WindowStore) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "windows",
		Help:      "Sliding windows currently held in memory.",
	}, func() float64 { return float64(store.Len()) })
	return reg.Register(g)
}
