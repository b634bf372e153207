package application

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// LimitSet é um conjunto completo de limites. O Registry publica LimitSets
// imutáveis; alterações trabalham numa cópia e trocam o ponteiro.
//
// Também serve para montar uma configuração inteira (ex: arquivo de política)
// e publicá-la de uma vez com Registry.Replace.
type LimitSet struct {
	endpoints      map[string]domain.RateLimitConfig
	patterns       []endpointPattern
	endpointGlobal map[string]domain.RateLimitConfig
	roleConfigs    map[string]domain.RateLimitConfig
	apiKeys        map[string]domain.RateLimitConfig
	ip             *domain.RateLimitConfig
	global         *domain.RateLimitConfig
	maxConcurrent  int
}

// endpointPattern é um endpoint registrado com "*" no final: vale para
// qualquer path com o mesmo prefixo.
type endpointPattern struct {
	name   string
	prefix string
}

func NewLimitSet() *LimitSet {
	return &LimitSet{
		endpoints:      make(map[string]domain.RateLimitConfig),
		endpointGlobal: make(map[string]domain.RateLimitConfig),
		roleConfigs:    make(map[string]domain.RateLimitConfig),
		apiKeys:        make(map[string]domain.RateLimitConfig),
	}
}

func (s *LimitSet) clone() *LimitSet {
	return &LimitSet{
		endpoints:      cloneMap(s.endpoints),
		patterns:       append([]endpointPattern(nil), s.patterns...),
		endpointGlobal: cloneMap(s.endpointGlobal),
		roleConfigs:    cloneMap(s.roleConfigs),
		apiKeys:        cloneMap(s.apiKeys),
		ip:             s.ip,
		global:         s.global,
		maxConcurrent:  s.maxConcurrent,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EndpointConfig devolve a configuração padrão de um endpoint: burst
// omitido (0) vira 2x requests_per_minute.
func EndpointConfig(requestsPerMinute, burstLimit, burstWindowSeconds int) (domain.RateLimitConfig, error) {
	if burstLimit == 0 {
		burstLimit = requestsPerMinute * 2
	}
	return domain.NewRateLimitConfig(requestsPerMinute, 0, burstLimit, burstWindowSeconds)
}

// SetEndpointLimit registra o limite por (cliente, endpoint). burstLimit 0
// significa 2x requestsPerMinute; burstWindowSeconds 0 significa 60s.
func (s *LimitSet) SetEndpointLimit(endpoint string, requestsPerMinute, burstLimit, burstWindowSeconds int) error {
	cfg, err := EndpointConfig(requestsPerMinute, burstLimit, burstWindowSeconds)
	if err != nil {
		return domain.WithDimension(err, domain.DimensionUserEndpoint, endpoint)
	}
	return s.SetConfig(domain.DimensionUserEndpoint, endpoint, cfg)
}

// SetEndpointGlobalLimit registra o limite agregado de todos os clientes de um endpoint.
func (s *LimitSet) SetEndpointGlobalLimit(endpoint string, requestsPerMinute, burstLimit, burstWindowSeconds int) error {
	cfg, err := EndpointConfig(requestsPerMinute, burstLimit, burstWindowSeconds)
	if err != nil {
		return domain.WithDimension(err, domain.DimensionEndpointGlobal, endpoint)
	}
	return s.SetConfig(domain.DimensionEndpointGlobal, endpoint, cfg)
}

// SetRoleLimits mescla limites por papel. Valida tudo antes de alterar.
func (s *LimitSet) SetRoleLimits(limits map[string]domain.RoleLimits) error {
	cfgs := make(map[string]domain.RateLimitConfig, len(limits))
	for role, l := range limits {
		if role == "" {
			return &domain.ConfigurationError{Dimension: domain.DimensionRole, Field: "role", Reason: "must not be empty"}
		}
		cfg, err := l.Config()
		if err != nil {
			return domain.WithDimension(err, domain.DimensionRole, role)
		}
		cfgs[role] = cfg
	}
	for role, cfg := range cfgs {
		s.roleConfigs[role] = cfg
	}
	return nil
}

// SetIPLimit registra o limite aplicado a cada IP (janela padrão de 60s).
func (s *LimitSet) SetIPLimit(requestsPerMinute, burstLimit int) error {
	cfg, err := domain.NewRateLimitConfig(requestsPerMinute, 0, burstLimit, 0)
	if err != nil {
		return domain.WithDimension(err, domain.DimensionIP, "")
	}
	return s.SetConfig(domain.DimensionIP, "", cfg)
}

// SetGlobalLimit registra o teto global: requestsPerSecond numa janela de 1s.
// maxConcurrent (0 = sem limite) é aplicado pelo pool de concorrência.
func (s *LimitSet) SetGlobalLimit(requestsPerSecond, maxConcurrent int) error {
	if maxConcurrent < 0 {
		return &domain.ConfigurationError{Dimension: domain.DimensionGlobal, Field: "max_concurrent", Reason: "must be >= 0"}
	}
	cfg, err := domain.NewRateLimitConfig(requestsPerSecond*60, 0, requestsPerSecond, 1)
	if err != nil {
		return domain.WithDimension(err, domain.DimensionGlobal, "")
	}
	if err := s.SetConfig(domain.DimensionGlobal, "", cfg); err != nil {
		return err
	}
	s.maxConcurrent = maxConcurrent
	return nil
}

// SetAPIKeyLimit registra requestsPerHour para uma API key numa janela de 1h.
func (s *LimitSet) SetAPIKeyLimit(apiKey string, requestsPerHour int) error {
	cfg, err := domain.NewRateLimitConfig(0, requestsPerHour, requestsPerHour, 3600)
	if err != nil {
		return domain.WithDimension(err, domain.DimensionAPIKey, apiKey)
	}
	return s.SetConfig(domain.DimensionAPIKey, apiKey, cfg)
}

// SetConfig registra uma configuração já construída para qualquer dimensão.
// Para ip e global o id é ignorado.
func (s *LimitSet) SetConfig(kind domain.DimensionKind, id string, cfg domain.RateLimitConfig) error {
	if err := cfg.Validate(); err != nil {
		return domain.WithDimension(err, kind, id)
	}
	switch kind {
	case domain.DimensionUserEndpoint:
		if id == "" {
			return &domain.ConfigurationError{Dimension: kind, Field: "endpoint", Reason: "must not be empty"}
		}
		s.endpoints[id] = cfg
		s.indexPatterns()
	case domain.DimensionEndpointGlobal:
		if id == "" {
			return &domain.ConfigurationError{Dimension: kind, Field: "endpoint", Reason: "must not be empty"}
		}
		s.endpointGlobal[id] = cfg
	case domain.DimensionAPIKey:
		if id == "" {
			return &domain.ConfigurationError{Dimension: kind, Field: "api_key", Reason: "must not be empty"}
		}
		s.apiKeys[id] = cfg
	case domain.DimensionIP:
		s.ip = &cfg
	case domain.DimensionGlobal:
		s.global = &cfg
	case domain.DimensionRole:
		if id == "" {
			return &domain.ConfigurationError{Dimension: kind, Field: "role", Reason: "must not be empty"}
		}
		s.roleConfigs[id] = cfg
	default:
		return &domain.ConfigurationError{Dimension: kind, Field: "dimension", Reason: "unknown"}
	}
	return nil
}

// Remove apaga a configuração de uma dimensão (volta a ser fail-open).
func (s *LimitSet) Remove(kind domain.DimensionKind, id string) {
	switch kind {
	case domain.DimensionUserEndpoint:
		delete(s.endpoints, id)
		s.indexPatterns()
	case domain.DimensionEndpointGlobal:
		delete(s.endpointGlobal, id)
	case domain.DimensionAPIKey:
		delete(s.apiKeys, id)
	case domain.DimensionIP:
		s.ip = nil
	case domain.DimensionGlobal:
		s.global = nil
		s.maxConcurrent = 0
	case domain.DimensionRole:
		delete(s.roleConfigs, id)
	}
}

func (s *LimitSet) indexPatterns() {
	s.patterns = s.patterns[:0]
	for name := range s.endpoints {
		if strings.HasSuffix(name, "*") {
			s.patterns = append(s.patterns, endpointPattern{name: name, prefix: strings.TrimSuffix(name, "*")})
		}
	}
	sort.Slice(s.patterns, func(i, j int) bool {
		if len(s.patterns[i].prefix) != len(s.patterns[j].prefix) {
			return len(s.patterns[i].prefix) > len(s.patterns[j].prefix)
		}
		return s.patterns[i].name < s.patterns[j].name
	})
}

// matchEndpoint resolve o endpoint registrado para um path: exato primeiro,
// depois o padrão de prefixo mais longo.
func (s *LimitSet) matchEndpoint(path string) (string, domain.RateLimitConfig, bool) {
	if cfg, ok := s.endpoints[path]; ok {
		return path, cfg, true
	}
	for _, p := range s.patterns {
		if strings.HasPrefix(path, p.prefix) {
			return p.name, s.endpoints[p.name], true
		}
	}
	return "", domain.RateLimitConfig{}, false
}

func (s *LimitSet) endpointGlobalConfig(path, matched string) (string, domain.RateLimitConfig, bool) {
	if cfg, ok := s.endpointGlobal[path]; ok {
		return path, cfg, true
	}
	if matched != "" && matched != path {
		if cfg, ok := s.endpointGlobal[matched]; ok {
			return matched, cfg, true
		}
	}
	return "", domain.RateLimitConfig{}, false
}

func enabled(cfg domain.RateLimitConfig, ok bool) (domain.RateLimitConfig, bool) {
	if !ok || !cfg.Enabled {
		return domain.RateLimitConfig{}, false
	}
	return cfg, true
}

// resolveEndpoint devolve o nome registrado (exato ou padrão) e a configuração
// efetiva de (cliente, endpoint), já considerando o papel.
func (s *LimitSet) resolveEndpoint(path, role string) (string, domain.RateLimitConfig, bool) {
	name, cfg, ok := s.matchEndpoint(path)
	if !ok || !cfg.Enabled {
		return "", domain.RateLimitConfig{}, false
	}
	if role != "" {
		if rc, ok := s.roleConfigs[role]; ok {
			cfg = rc
		}
	}
	cfg, ok = enabled(cfg, true)
	return name, cfg, ok
}

// resolve devolve a configuração efetiva de uma dimensão.
//
// Para user_endpoint o id é o endpoint: um endpoint sem configuração não tem
// limite (fail-open) e, se configurado, o papel do usuário (quando tiver
// limites próprios) substitui a configuração do endpoint. Papel desconhecido
// usa a do endpoint. IP, API key e global nunca dependem do papel.
func (s *LimitSet) resolve(kind domain.DimensionKind, id, role string) (domain.RateLimitConfig, bool) {
	switch kind {
	case domain.DimensionUserEndpoint:
		_, cfg, ok := s.resolveEndpoint(id, role)
		return cfg, ok
	case domain.DimensionEndpointGlobal:
		_, cfg, ok := s.endpointGlobalConfig(id, "")
		return enabled(cfg, ok)
	case domain.DimensionAPIKey:
		cfg, ok := s.apiKeys[id]
		return enabled(cfg, ok)
	case domain.DimensionIP:
		if s.ip == nil {
			return domain.RateLimitConfig{}, false
		}
		return enabled(*s.ip, true)
	case domain.DimensionGlobal:
		if s.global == nil {
			return domain.RateLimitConfig{}, false
		}
		return enabled(*s.global, true)
	case domain.DimensionRole:
		cfg, ok := s.roleConfigs[id]
		return enabled(cfg, ok)
	}
	return domain.RateLimitConfig{}, false
}

// longestWindow é a maior janela entre todas as configurações.
func (s *LimitSet) longestWindow() time.Duration {
	var longest time.Duration
	consider := func(cfg domain.RateLimitConfig) {
		if w := cfg.Window(); w > longest {
			longest = w
		}
	}
	for _, m := range []map[string]domain.RateLimitConfig{s.endpoints, s.endpointGlobal, s.roleConfigs, s.apiKeys} {
		for _, cfg := range m {
			consider(cfg)
		}
	}
	if s.ip != nil {
		consider(*s.ip)
	}
	if s.global != nil {
		consider(*s.global)
	}
	return longest
}

// Registry guarda a configuração de limites do processo.
//
// Leitura (hot path) é um único load atômico; escritas são serializadas e
// valem a partir da próxima avaliação.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[LimitSet]
	log  *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{log: log}
	r.snap.Store(NewLimitSet())
	return r
}

func (r *Registry) current() *LimitSet { return r.snap.Load() }

func (r *Registry) update(fields []zap.Field, fn func(s *LimitSet) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current().clone()
	if err := fn(next); err != nil {
		r.log.Warn("rate limit configuration rejected", append(fields, zap.Error(err))...)
		return err
	}
	r.snap.Store(next)
	r.log.Info("rate limit configured", fields...)
	return nil
}

// Replace publica um LimitSet inteiro (ex: recarga do arquivo de política).
// O set não deve ser alterado depois.
func (r *Registry) Replace(s *LimitSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(s.clone())
	r.log.Info("rate limit configuration replaced",
		zap.Int("endpoints", len(s.endpoints)),
		zap.Int("roles", len(s.roleConfigs)),
		zap.Int("api_keys", len(s.apiKeys)))
}

func (r *Registry) SetEndpointLimit(endpoint string, requestsPerMinute, burstLimit, burstWindowSeconds int) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(domain.DimensionUserEndpoint)),
		zap.String("endpoint", endpoint),
		zap.Int("requests_per_minute", requestsPerMinute),
		zap.Int("burst_limit", burstLimit),
	}, func(s *LimitSet) error {
		return s.SetEndpointLimit(endpoint, requestsPerMinute, burstLimit, burstWindowSeconds)
	})
}

func (r *Registry) SetEndpointGlobalLimit(endpoint string, requestsPerMinute, burstLimit, burstWindowSeconds int) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(domain.DimensionEndpointGlobal)),
		zap.String("endpoint", endpoint),
		zap.Int("requests_per_minute", requestsPerMinute),
		zap.Int("burst_limit", burstLimit),
	}, func(s *LimitSet) error {
		return s.SetEndpointGlobalLimit(endpoint, requestsPerMinute, burstLimit, burstWindowSeconds)
	})
}

func (r *Registry) SetRoleLimits(limits map[string]domain.RoleLimits) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(domain.DimensionRole)),
		zap.Int("roles", len(limits)),
	}, func(s *LimitSet) error {
		return s.SetRoleLimits(limits)
	})
}

func (r *Registry) SetIPLimit(requestsPerMinute, burstLimit int) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(domain.DimensionIP)),
		zap.Int("requests_per_minute", requestsPerMinute),
		zap.Int("burst_limit", burstLimit),
	}, func(s *LimitSet) error {
		return s.SetIPLimit(requestsPerMinute, burstLimit)
	})
}

func (r *Registry) SetGlobalLimit(requestsPerSecond, maxConcurrent int) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(domain.DimensionGlobal)),
		zap.Int("requests_per_second", requestsPerSecond),
		zap.Int("max_concurrent", maxConcurrent),
	}, func(s *LimitSet) error {
		return s.SetGlobalLimit(requestsPerSecond, maxConcurrent)
	})
}

func (r *Registry) SetAPIKeyLimit(apiKey string, requestsPerHour int) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(domain.DimensionAPIKey)),
		zap.Int("requests_per_hour", requestsPerHour),
	}, func(s *LimitSet) error {
		return s.SetAPIKeyLimit(apiKey, requestsPerHour)
	})
}

func (r *Registry) SetConfig(kind domain.DimensionKind, id string, cfg domain.RateLimitConfig) error {
	return r.update([]zap.Field{
		zap.String("dimension", string(kind)),
		zap.String("id", id),
		zap.Int("burst_limit", cfg.BurstLimit),
		zap.Int("burst_window_seconds", cfg.BurstWindowSeconds),
		zap.Bool("enabled", cfg.Enabled),
	}, func(s *LimitSet) error {
		return s.SetConfig(kind, id, cfg)
	})
}

func (r *Registry) Remove(kind domain.DimensionKind, id string) {
	_ = r.update([]zap.Field{
		zap.String("dimension", string(kind)),
		zap.String("id", id),
		zap.Bool("removed", true),
	}, func(s *LimitSet) error {
		s.Remove(kind, id)
		return nil
	})
}

// Resolve devolve a configuração efetiva; ok=false significa sem limite.
func (r *Registry) Resolve(kind domain.DimensionKind, id, role string) (domain.RateLimitConfig, bool) {
	return r.current().resolve(kind, id, role)
}

// RoleLimits devolve os limites do papel ou os padrões.
func (r *Registry) RoleLimits(role string) domain.RoleLimits {
	s := r.current()
	if cfg, ok := s.roleConfigs[role]; ok {
		return domain.RoleLimits{
			RequestsPerMinute:  cfg.RequestsPerMinute,
			RequestsPerHour:    cfg.RequestsPerHour,
			BurstLimit:         cfg.BurstLimit,
			BurstWindowSeconds: cfg.BurstWindowSeconds,
		}
	}
	return domain.DefaultRoleLimits()
}

// MaxConcurrent é o max_concurrent do limite global (0 = sem limite).
func (r *Registry) MaxConcurrent() int { return r.current().maxConcurrent }

// LongestWindow é a maior janela configurada; serve de retenção para o janitor.
// Sem nenhuma configuração devolve a janela padrão.
func (r *Registry) LongestWindow() time.Duration {
	if w := r.current().longestWindow(); w > 0 {
		return w
	}
	return domain.DefaultBurstWindowSeconds * time.Second
}
