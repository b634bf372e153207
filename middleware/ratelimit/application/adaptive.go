package application

import (
	"sync"
	"sync/atomic"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// AdaptiveModifier reduz os limites quando a carga medida passa do limiar.
// Desabilitado por padrão.
type AdaptiveModifier struct {
	mu      sync.Mutex
	cfg     atomic.Pointer[domain.AdaptiveConfig]
	sampler atomic.Pointer[samplerBox]
	log     *zap.Logger
}

// samplerBox permite guardar uma interface num atomic.Pointer.
type samplerBox struct{ domain.LoadSampler }

func NewAdaptiveModifier(sampler domain.LoadSampler, log *zap.Logger) *AdaptiveModifier {
	if log == nil {
		log = zap.NewNop()
	}
	m := &AdaptiveModifier{log: log}
	m.SetSampler(sampler)
	return m
}

// Enable liga o modo adaptativo. Valores inválidos não alteram o estado atual.
func (m *AdaptiveModifier) Enable(baseRequestsPerMinute int, loadThreshold, reductionFactor float64) error {
	cfg, err := domain.NewAdaptiveConfig(baseRequestsPerMinute, loadThreshold, reductionFactor)
	if err != nil {
		m.log.Warn("adaptive limiting rejected", zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.cfg.Store(&cfg)
	m.mu.Unlock()
	m.log.Info("adaptive limiting enabled",
		zap.Int("base_requests_per_minute", baseRequestsPerMinute),
		zap.Float64("load_threshold", loadThreshold),
		zap.Float64("reduction_factor", reductionFactor))
	return nil
}

func (m *AdaptiveModifier) Disable() {
	m.mu.Lock()
	prev := m.cfg.Swap(nil)
	m.mu.Unlock()
	if prev != nil {
		m.log.Info("adaptive limiting disabled")
	}
}

func (m *AdaptiveModifier) Enabled() bool { return m.cfg.Load() != nil }

// Config devolve a configuração atual (ok=false quando desabilitado).
func (m *AdaptiveModifier) Config() (domain.AdaptiveConfig, bool) {
	if c := m.cfg.Load(); c != nil {
		return *c, true
	}
	return domain.AdaptiveConfig{}, false
}

// SetSampler troca a fonte de carga. nil equivale a carga zero.
func (m *AdaptiveModifier) SetSampler(s domain.LoadSampler) {
	if s == nil {
		s = domain.StaticLoad(0)
	}
	m.sampler.Store(&samplerBox{s})
}

// Load devolve a última carga medida.
func (m *AdaptiveModifier) Load() float64 { return m.sampler.Load().Load() }

// sample lê a carga uma vez e diz se os limites devem ser reduzidos.
// Carga igual ao limiar não reduz.
func (m *AdaptiveModifier) sample() (domain.AdaptiveConfig, bool) {
	c := m.cfg.Load()
	if c == nil {
		return domain.AdaptiveConfig{}, false
	}
	return *c, m.Load() > c.LoadThreshold
}
