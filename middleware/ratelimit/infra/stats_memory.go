package infra

import (
	"context"
	"maps"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Admitted int64 `json:"admitted"`
	Denied   int64 `json:"denied"`
	Exempt   int64 `json:"exempt"`
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch ev.Outcome() {
	case domain.OutcomeExempt:
		c.Exempt++
		c.Admitted++
	case domain.OutcomeAdmitted:
		c.Admitted++
	default:
		c.Denied++
	}
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes, desenvolvimento e para o endpoint de status do admin.
//
// Não faz expiração; com WithTrackKeys a cardinalidade cresce com os clientes.
type MemoryStatsStore struct {
	mu          sync.Mutex
	total       Counters
	byRoute     map[string]Counters
	byKey       map[string]Counters
	byDimension map[domain.DimensionKind]int64

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute:     make(map[string]Counters),
		byKey:       make(map[string]Counters),
		byDimension: make(map[domain.DimensionKind]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Route()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)

	c := s.byRoute[route]
	c.add(ev)
	s.byRoute[route] = c

	if s.trackKeys && ev.Key != "" {
		k := s.byKey[ev.Key]
		k.add(ev)
		s.byKey[ev.Key] = k
	}
	if !ev.Admitted && ev.DeniedBy != "" {
		s.byDimension[ev.DeniedBy]++
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byRoute)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}

// DeniedByDimension devolve quantas negações cada dimensão causou.
func (s *MemoryStatsStore) DeniedByDimension() map[domain.DimensionKind]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byDimension)
}
