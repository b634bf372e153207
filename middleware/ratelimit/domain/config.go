package domain

import (
	"math"
	"time"
)

const (
	DefaultBurstWindowSeconds = 60
	DefaultRequestsPerMinute  = 60
	DefaultRequestsPerHour    = 1000
	DefaultRoleBurstLimit     = 100
)

// RateLimitConfig é a configuração de uma dimensão. Construa sempre por
// NewRateLimitConfig; o valor é tratado como imutável depois disso.
type RateLimitConfig struct {
	RequestsPerMinute  int
	RequestsPerHour    int
	BurstLimit         int
	BurstWindowSeconds int
	Enabled            bool
}

// NewRateLimitConfig valida e devolve uma configuração habilitada.
// burstWindowSeconds == 0 significa a janela padrão de 60s.
func NewRateLimitConfig(requestsPerMinute, requestsPerHour, burstLimit, burstWindowSeconds int) (RateLimitConfig, error) {
	if burstWindowSeconds == 0 {
		burstWindowSeconds = DefaultBurstWindowSeconds
	}
	cfg := RateLimitConfig{
		RequestsPerMinute:  requestsPerMinute,
		RequestsPerHour:    requestsPerHour,
		BurstLimit:         burstLimit,
		BurstWindowSeconds: burstWindowSeconds,
		Enabled:            true,
	}
	if err := cfg.Validate(); err != nil {
		return RateLimitConfig{}, err
	}
	return cfg, nil
}

func (c RateLimitConfig) Validate() error {
	switch {
	case c.BurstLimit <= 0:
		return &ConfigurationError{Field: "burst_limit", Reason: "must be > 0"}
	case c.BurstWindowSeconds <= 0:
		return &ConfigurationError{Field: "burst_window_seconds", Reason: "must be > 0"}
	case c.RequestsPerMinute < 0:
		return &ConfigurationError{Field: "requests_per_minute", Reason: "must be >= 0"}
	case c.RequestsPerHour < 0:
		return &ConfigurationError{Field: "requests_per_hour", Reason: "must be >= 0"}
	}
	return nil
}

// WithEnabled devolve uma cópia com o flag alterado.
func (c RateLimitConfig) WithEnabled(enabled bool) RateLimitConfig {
	c.Enabled = enabled
	return c
}

// Window é a janela efetivamente aplicada (a janela de burst).
func (c RateLimitConfig) Window() time.Duration {
	if c.BurstWindowSeconds <= 0 {
		return DefaultBurstWindowSeconds * time.Second
	}
	return time.Duration(c.BurstWindowSeconds) * time.Second
}

// RoleLimits são os limites por papel do usuário. Campos zerados assumem os
// padrões (60/min, 1000/h, burst 100, janela 60s).
type RoleLimits struct {
	RequestsPerMinute  int
	RequestsPerHour    int
	BurstLimit         int
	BurstWindowSeconds int
}

func DefaultRoleLimits() RoleLimits {
	return RoleLimits{
		RequestsPerMinute:  DefaultRequestsPerMinute,
		RequestsPerHour:    DefaultRequestsPerHour,
		BurstLimit:         DefaultRoleBurstLimit,
		BurstWindowSeconds: DefaultBurstWindowSeconds,
	}
}

// Config aplica os padrões e valida.
func (r RoleLimits) Config() (RateLimitConfig, error) {
	def := DefaultRoleLimits()
	if r.RequestsPerMinute == 0 {
		r.RequestsPerMinute = def.RequestsPerMinute
	}
	if r.RequestsPerHour == 0 {
		r.RequestsPerHour = def.RequestsPerHour
	}
	if r.BurstLimit == 0 {
		r.BurstLimit = def.BurstLimit
	}
	return NewRateLimitConfig(r.RequestsPerMinute, r.RequestsPerHour, r.BurstLimit, r.BurstWindowSeconds)
}

// AdaptiveConfig descreve a redução de limites sob carga.
type AdaptiveConfig struct {
	BaseRequestsPerMinute int
	LoadThreshold         float64
	ReductionFactor       float64
}

func NewAdaptiveConfig(baseRequestsPerMinute int, loadThreshold, reductionFactor float64) (AdaptiveConfig, error) {
	if baseRequestsPerMinute < 0 {
		return AdaptiveConfig{}, &ConfigurationError{Field: "base_requests_per_minute", Reason: "must be >= 0"}
	}
	if math.IsNaN(loadThreshold) || loadThreshold < 0 || loadThreshold > 1 {
		return AdaptiveConfig{}, &ConfigurationError{Field: "load_threshold", Reason: "must be in [0,1]"}
	}
	if math.IsNaN(reductionFactor) || reductionFactor <= 0 || reductionFactor > 1 {
		return AdaptiveConfig{}, &ConfigurationError{Field: "reduction_factor", Reason: "must be in (0,1]"}
	}
	return AdaptiveConfig{
		BaseRequestsPerMinute: baseRequestsPerMinute,
		LoadThreshold:         loadThreshold,
		ReductionFactor:       reductionFactor,
	}, nil
}

// Reduce aplica o fator a um limite: floor(limit*factor), mínimo 1.
func (a AdaptiveConfig) Reduce(limit int) int {
	reduced := int(math.Floor(float64(limit) * a.ReductionFactor))
	if reduced < 1 {
		return 1
	}
	return reduced
}
