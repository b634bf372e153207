package application

import (
	"math"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// maxDimensions é o número de dimensões avaliadas por requisição:
// (cliente, endpoint), endpoint global, IP, API key e global.
const maxDimensions = 5

// Evaluator decide a admissão de uma requisição em todas as dimensões.
//
// Ele não sabe nada sobre HTTP: recebe um Descriptor e devolve uma Decision.
//
// Cada dimensão é atômica isoladamente no store, mas a decisão combinada não é
// uma transação: duas requisições concorrentes podem passar ambas por uma
// checagem que, em sequência, negaria a segunda. O limite é aproximado.
type Evaluator struct {
	store      domain.WindowStore
	registry   *Registry
	exemptions *ExemptionPolicy
	adaptive   *AdaptiveModifier
	now        domain.Clock
	log        *zap.Logger
}

type EvaluatorOption func(*Evaluator)

func WithClock(now domain.Clock) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func WithLogger(l *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.log = l }
}

func WithLoadSampler(s domain.LoadSampler) EvaluatorOption {
	return func(e *Evaluator) { e.adaptive.SetSampler(s) }
}

// WithExemptionPolicy troca a política de isenção (ex: modo CIDR estrito).
func WithExemptionPolicy(p *ExemptionPolicy) EvaluatorOption {
	return func(e *Evaluator) { e.exemptions = p }
}

func NewEvaluator(store domain.WindowStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store: store,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	e.adaptive = NewAdaptiveModifier(nil, nil)
	for _, opt := range opts {
		opt(e)
	}
	e.registry = NewRegistry(e.log.Named("registry"))
	e.adaptive.log = e.log.Named("adaptive")
	if e.exemptions == nil {
		e.exemptions = NewExemptionPolicy(WithExemptionLogger(e.log.Named("exemptions")))
	}
	return e
}

func (e *Evaluator) Registry() *Registry { return e.registry }
func (e *Evaluator) Exemptions() *ExemptionPolicy { return e.exemptions }
func (e *Evaluator) Adaptive() *AdaptiveModifier { return e.adaptive }
func (e *Evaluator) Now() time.Time { return e.now() }
func (e *Evaluator) Store() domain.WindowStore { return e.store }

// check é uma dimensão aplicável a uma requisição.
type check struct {
	key    domain.WindowKey
	limit  int
	window time.Duration
	stat   domain.WindowStat
}

// plan resolve as dimensões configuradas para o descriptor. Dimensões sem
// configuração ficam de fora (fail-open). Devolve também o endpoint
// registrado que casou.
func (e *Evaluator) plan(buf []check, d domain.Descriptor) ([]check, string) {
	set := e.registry.current()
	adaptive, reduce := e.adaptive.sample()

	add := func(key domain.WindowKey, cfg domain.RateLimitConfig) {
		limit := cfg.BurstLimit
		if reduce {
			limit = adaptive.Reduce(limit)
		}
		buf = append(buf, check{key: key, limit: limit, window: cfg.Window()})
	}

	var matched string
	if d.Endpoint != "" {
		name, cfg, ok := set.resolveEndpoint(d.Endpoint, d.Role)
		if ok {
			matched = name
			add(domain.UserEndpointKey(d.ClientID, name), cfg)
		}
		if gname, gcfg, ok := set.endpointGlobalConfig(d.Endpoint, name); ok && gcfg.Enabled {
			if matched == "" {
				matched = gname
			}
			add(domain.WindowKey{Kind: domain.DimensionEndpointGlobal, ID: gname}, gcfg)
		}
	}
	if d.IP != "" {
		if cfg, ok := set.resolve(domain.DimensionIP, "", ""); ok {
			add(domain.WindowKey{Kind: domain.DimensionIP, ID: d.IP}, cfg)
		}
	}
	if d.APIKey != "" {
		if cfg, ok := set.resolve(domain.DimensionAPIKey, d.APIKey, ""); ok {
			add(domain.WindowKey{Kind: domain.DimensionAPIKey, ID: d.APIKey}, cfg)
		}
	}
	if cfg, ok := set.resolve(domain.DimensionGlobal, "", ""); ok {
		add(domain.WindowKey{Kind: domain.DimensionGlobal, ID: domain.GlobalID}, cfg)
	}
	return buf, matched
}

// Evaluate decide e, se admitir, registra a requisição em todas as janelas
// avaliadas. Uma requisição negada não consome cota de nenhuma dimensão.
func (e *Evaluator) Evaluate(d domain.Descriptor) domain.Decision {
	if e.exemptions.IsExempt(d.IP, d.UserAgent, d.APIKey) {
		return domain.Decision{Admitted: true, Exempt: true, Unlimited: true}
	}

	now := e.now()
	var buf [maxDimensions]check
	checks, endpoint := e.plan(buf[:0], d)
	if len(checks) == 0 {
		return domain.Decision{Admitted: true, Unlimited: true}
	}

	for i := range checks {
		c := &checks[i]
		c.stat = e.store.Count(c.key, now, c.window)
		if c.stat.Count >= c.limit {
			dec := denied(c, now)
			dec.Endpoint = endpoint
			e.log.Debug("request denied",
				zap.Stringer("key", c.key),
				zap.Int("limit", c.limit),
				zap.Int("count", c.stat.Count),
				zap.Duration("retry_after", dec.RetryAfter))
			return dec
		}
	}

	for i := range checks {
		c := &checks[i]
		c.stat = e.store.Record(c.key, now, c.window)
	}
	dec := summarize(checks, now)
	dec.Endpoint = endpoint
	return dec
}

// Inspect calcula os mesmos metadados de Evaluate sem alterar nenhuma janela.
// Admitted indica se a próxima requisição seria admitida.
func (e *Evaluator) Inspect(d domain.Descriptor) domain.Decision {
	if e.exemptions.IsExempt(d.IP, d.UserAgent, d.APIKey) {
		return domain.Decision{Admitted: true, Exempt: true, Unlimited: true}
	}

	now := e.now()
	var buf [maxDimensions]check
	checks, endpoint := e.plan(buf[:0], d)
	if len(checks) == 0 {
		return domain.Decision{Admitted: true, Unlimited: true}
	}

	for i := range checks {
		c := &checks[i]
		c.stat = e.store.Peek(c.key, now, c.window)
		if c.stat.Count >= c.limit {
			dec := denied(c, now)
			dec.Endpoint = endpoint
			return dec
		}
	}
	dec := summarize(checks, now)
	dec.Endpoint = endpoint
	return dec
}

// CurrentRateLimit devolve o requests_per_minute nominal de um endpoint com a
// redução adaptativa aplicada. Endpoint sem configuração usa 60, ou a base do
// modo adaptativo quando ele está ligado.
func (e *Evaluator) CurrentRateLimit(endpoint string) int {
	rpm := domain.DefaultRequestsPerMinute
	_, cfg, ok := e.registry.current().matchEndpoint(endpoint)
	adaptive, reduce := e.adaptive.sample()
	switch {
	case ok:
		rpm = cfg.RequestsPerMinute
	case e.adaptive.Enabled():
		rpm = adaptive.BaseRequestsPerMinute
	}
	if reduce {
		return adaptive.Reduce(rpm)
	}
	return rpm
}

func denied(c *check, now time.Time) domain.Decision {
	retry := c.stat.Oldest.Add(c.window).Sub(now)
	retry = time.Duration(math.Ceil(retry.Seconds())) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return domain.Decision{
		Admitted:   false,
		Limit:      c.limit,
		Remaining:  0,
		Reset:      resetAt(now, c.window),
		RetryAfter: retry,
		DeniedBy:   c.key.Kind,
		Key:        c.key,
	}
}

// summarize usa a dimensão mais restritiva: menor remaining e, no empate,
// menor limite.
func summarize(checks []check, now time.Time) domain.Decision {
	best := -1
	bestRemaining := 0
	for i := range checks {
		rem := remaining(checks[i].limit, checks[i].stat.Count)
		if best < 0 || rem < bestRemaining || (rem == bestRemaining && checks[i].limit < checks[best].limit) {
			best, bestRemaining = i, rem
		}
	}
	c := checks[best]
	return domain.Decision{
		Admitted:  true,
		Limit:     c.limit,
		Remaining: bestRemaining,
		Reset:     resetAt(now, c.window),
		Key:       c.key,
	}
}

func remaining(limit, count int) int {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

// resetAt é now+window em segundos unix, arredondado para cima.
func resetAt(now time.Time, window time.Duration) int64 {
	t := now.Add(window)
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}
