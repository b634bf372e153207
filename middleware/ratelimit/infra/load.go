package infra

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"
)

// CPULoadSampler mede o uso de CPU em segundo plano e guarda o último valor.
// Load() nunca bloqueia: o hot path só lê um atômico.
type CPULoadSampler struct {
	every  time.Duration
	sample func(ctx context.Context) (float64, error)
	log    *zap.Logger

	bits atomic.Uint64
}

type LoadSamplerOption func(*CPULoadSampler)

// WithSampleFunc troca a fonte da medição (testes, outras métricas).
func WithSampleFunc(fn func(ctx context.Context) (float64, error)) LoadSamplerOption {
	return func(s *CPULoadSampler) { s.sample = fn }
}

func WithSamplerLogger(l *zap.Logger) LoadSamplerOption {
	return func(s *CPULoadSampler) { s.log = l }
}

func NewCPULoadSampler(every time.Duration, opts ...LoadSamplerOption) *CPULoadSampler {
	s := &CPULoadSampler{
		every:  every,
		sample: cpuPercent,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.every <= 0 {
		s.every = 5 * time.Second
	}
	return s
}

func cpuPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0] / 100, nil
}

func (s *CPULoadSampler) Load() float64 {
	return math.Float64frombits(s.bits.Load())
}

// SampleOnce faz uma medição e atualiza o valor guardado (limitado a [0,1]).
func (s *CPULoadSampler) SampleOnce(ctx context.Context) error {
	v, err := s.sample(ctx)
	if err != nil {
		return err
	}
	v = math.Max(0, math.Min(1, v))
	s.bits.Store(math.Float64bits(v))
	return nil
}

// Run mede a cada intervalo até o contexto encerrar.
func (s *CPULoadSampler) Run(ctx context.Context) error {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		if err := s.SampleOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("load sample failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

var _ domain.LoadSampler = (*CPULoadSampler)(nil)
