// Package policy carrega a política de limites de um arquivo YAML e a aplica
// ao avaliador.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"gopkg.in/yaml.v3"
)

type EndpointLimit struct {
	RequestsPerMinute  int   `yaml:"requests_per_minute"`
	BurstLimit         int   `yaml:"burst_limit,omitempty"`
	BurstWindowSeconds int   `yaml:"burst_window_seconds,omitempty"`
	Enabled            *bool `yaml:"enabled,omitempty"`
}

type RoleLimit struct {
	RequestsPerMinute  int `yaml:"requests_per_minute,omitempty"`
	RequestsPerHour    int `yaml:"requests_per_hour,omitempty"`
	BurstLimit         int `yaml:"burst_limit,omitempty"`
	BurstWindowSeconds int `yaml:"burst_window_seconds,omitempty"`
}

type IPLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstLimit        int `yaml:"burst_limit"`
}

type GlobalLimit struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	MaxConcurrent     int `yaml:"max_concurrent,omitempty"`
}

type APIKeyLimit struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
}

type Exemptions struct {
	// IPMatch é "prefix" (padrão) ou "cidr".
	IPMatch    string   `yaml:"ip_match,omitempty"`
	IPs        []string `yaml:"ips,omitempty"`
	UserAgents []string `yaml:"user_agents,omitempty"`
	APIKeys    []string `yaml:"api_keys,omitempty"`
}

type Adaptive struct {
	Enabled               bool    `yaml:"enabled"`
	BaseRequestsPerMinute int     `yaml:"base_requests_per_minute"`
	LoadThreshold         float64 `yaml:"load_threshold"`
	ReductionFactor       float64 `yaml:"reduction_factor"`
}

// File é o formato do arquivo de política.
type File struct {
	Endpoints      map[string]EndpointLimit `yaml:"endpoints,omitempty"`
	EndpointGlobal map[string]EndpointLimit `yaml:"endpoint_global,omitempty"`
	Roles          map[string]RoleLimit     `yaml:"roles,omitempty"`
	IP             *IPLimit                 `yaml:"ip,omitempty"`
	Global         *GlobalLimit             `yaml:"global,omitempty"`
	APIKeys        map[string]APIKeyLimit   `yaml:"api_keys,omitempty"`
	Exemptions     Exemptions               `yaml:"exemptions,omitempty"`
	Adaptive       *Adaptive                `yaml:"adaptive,omitempty"`
}

// Defaults é a política usada quando nenhum arquivo é informado.
func Defaults() *File {
	return &File{
		Endpoints: map[string]EndpointLimit{
			// autenticação: limites mais rígidos
			"/api/auth/login":          {RequestsPerMinute: 5, BurstLimit: 10},
			"/api/auth/register":       {RequestsPerMinute: 3, BurstLimit: 5},
			"/api/auth/reset-password": {RequestsPerMinute: 2, BurstLimit: 3},

			"/api/products":    {RequestsPerMinute: 100, BurstLimit: 200},
			"/api/alerts":      {RequestsPerMinute: 50, BurstLimit: 100},
			"/api/preferences": {RequestsPerMinute: 30, BurstLimit: 60},

			"/api/admin/*": {RequestsPerMinute: 20, BurstLimit: 40},
		},
	}
}

// Parse decodifica o YAML; campos desconhecidos são erro.
func Parse(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		// arquivo vazio é uma política vazia
		if errors.Is(err, io.EOF) {
			return f, nil
		}
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return f, nil
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func endpointConfig(l EndpointLimit) (domain.RateLimitConfig, error) {
	cfg, err := application.EndpointConfig(l.RequestsPerMinute, l.BurstLimit, l.BurstWindowSeconds)
	if err != nil {
		return cfg, err
	}
	if l.Enabled != nil {
		cfg = cfg.WithEnabled(*l.Enabled)
	}
	return cfg, nil
}

// LimitSet monta os limites do arquivo. Todos os erros são reportados juntos.
func (f *File) LimitSet() (*application.LimitSet, error) {
	set := application.NewLimitSet()
	var errs []error

	for _, name := range sortedKeys(f.Endpoints) {
		cfg, err := endpointConfig(f.Endpoints[name])
		if err == nil {
			err = set.SetConfig(domain.DimensionUserEndpoint, name, cfg)
		}
		if err != nil {
			errs = append(errs, domain.WithDimension(err, domain.DimensionUserEndpoint, name))
		}
	}
	for _, name := range sortedKeys(f.EndpointGlobal) {
		cfg, err := endpointConfig(f.EndpointGlobal[name])
		if err == nil {
			err = set.SetConfig(domain.DimensionEndpointGlobal, name, cfg)
		}
		if err != nil {
			errs = append(errs, domain.WithDimension(err, domain.DimensionEndpointGlobal, name))
		}
	}
	if len(f.Roles) > 0 {
		roles := make(map[string]domain.RoleLimits, len(f.Roles))
		for name, r := range f.Roles {
			roles[name] = domain.RoleLimits(r)
		}
		// valida papel a papel para reportar todos
		for _, name := range sortedKeys(roles) {
			if err := set.SetRoleLimits(map[string]domain.RoleLimits{name: roles[name]}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if f.IP != nil {
		if err := set.SetIPLimit(f.IP.RequestsPerMinute, f.IP.BurstLimit); err != nil {
			errs = append(errs, err)
		}
	}
	if f.Global != nil {
		if err := set.SetGlobalLimit(f.Global.RequestsPerSecond, f.Global.MaxConcurrent); err != nil {
			errs = append(errs, err)
		}
	}
	for _, key := range sortedKeys(f.APIKeys) {
		if err := set.SetAPIKeyLimit(key, f.APIKeys[key].RequestsPerHour); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return set, nil
}

func (e Exemptions) mode() (application.IPMatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(e.IPMatch)) {
	case "", "prefix":
		return application.IPMatchPrefix, nil
	case "cidr":
		return application.IPMatchCIDR, nil
	}
	return 0, &domain.ConfigurationError{Field: "exemptions.ip_match", Reason: "must be prefix or cidr"}
}

func (a *Adaptive) config() (domain.AdaptiveConfig, bool, error) {
	if a == nil || !a.Enabled {
		return domain.AdaptiveConfig{}, false, nil
	}
	cfg, err := domain.NewAdaptiveConfig(a.BaseRequestsPerMinute, a.LoadThreshold, a.ReductionFactor)
	return cfg, err == nil, err
}

// Validate verifica o arquivo inteiro sem aplicar nada.
func (f *File) Validate() error {
	_, err := f.LimitSet()
	mode, modeErr := f.Exemptions.mode()
	if modeErr == nil {
		ex := f.Exemptions
		modeErr = application.NewExemptionPolicy().ConfigureWithMode(mode, ex.IPs, ex.UserAgents, ex.APIKeys)
	}
	_, _, adaptiveErr := f.Adaptive.config()
	return errors.Join(err, modeErr, adaptiveErr)
}

// Apply publica a política no avaliador. Se algo for inválido nada muda.
// As mudanças valem a partir da próxima avaliação.
func (f *File) Apply(ev *application.Evaluator) error {
	set, err := f.LimitSet()
	mode, modeErr := f.Exemptions.mode()
	adaptive, adaptiveOn, adaptiveErr := f.Adaptive.config()
	if err := errors.Join(err, modeErr, adaptiveErr); err != nil {
		return err
	}

	// isenções primeiro: é a única etapa que ainda pode falhar (CIDR inválido)
	ex := f.Exemptions
	if err := ev.Exemptions().ConfigureWithMode(mode, ex.IPs, ex.UserAgents, ex.APIKeys); err != nil {
		return err
	}
	ev.Registry().Replace(set)
	if adaptiveOn {
		return ev.Adaptive().Enable(adaptive.BaseRequestsPerMinute, adaptive.LoadThreshold, adaptive.ReductionFactor)
	}
	ev.Adaptive().Disable()
	return nil
}
