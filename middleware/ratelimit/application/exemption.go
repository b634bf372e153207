package application

import (
	"strings"
	"sync"
	"sync/atomic"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/seancfoley/ipaddress-go/ipaddr"
	"go.uber.org/zap"
)

// IPMatchMode define como padrões de IP com "/" são comparados.
type IPMatchMode int

const (
	// IPMatchPrefix é a aproximação histórica: "10.0.0.0/24" vale para qualquer
	// IP que comece com "10.0.0" (o endereço até o último octeto antes da barra).
	// Não é aritmética de sub-rede.
	IPMatchPrefix IPMatchMode = iota
	// IPMatchCIDR faz a comparação real de sub-rede (IPv4 e IPv6).
	IPMatchCIDR
)

// ExemptionPolicy decide se uma requisição ignora todos os limites.
// A ordem é IP, user-agent e API key; o primeiro acerto encerra.
type ExemptionPolicy struct {
	mode IPMatchMode
	log  *zap.Logger

	mu   sync.Mutex
	snap atomic.Pointer[exemptionSet]
}

type exemptionSet struct {
	ipPatterns []string
	ipPrefixes []ipPrefix
	trieV4     *ipaddr.IPv4AddressTrie
	trieV6     *ipaddr.IPv6AddressTrie
	userAgents map[string]struct{}
	apiKeys    map[string]struct{}
}

// ipPrefix é um padrão pré-processado para IPMatchPrefix.
type ipPrefix struct {
	value  string
	prefix bool
}

type ExemptionOption func(*ExemptionPolicy)

func WithIPMatchMode(mode IPMatchMode) ExemptionOption {
	return func(p *ExemptionPolicy) { p.mode = mode }
}

func WithExemptionLogger(l *zap.Logger) ExemptionOption {
	return func(p *ExemptionPolicy) { p.log = l }
}

func NewExemptionPolicy(opts ...ExemptionOption) *ExemptionPolicy {
	p := &ExemptionPolicy{log: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.snap.Store(&exemptionSet{})
	return p
}

// Configure substitui as três listas de uma vez, no modo de comparação da
// política. No modo CIDR um padrão inválido é erro de configuração.
func (p *ExemptionPolicy) Configure(ips, userAgents, apiKeys []string) error {
	return p.ConfigureWithMode(p.mode, ips, userAgents, apiKeys)
}

// ConfigureWithMode é Configure com o modo de comparação de IP explícito
// (ex: definido no arquivo de política).
func (p *ExemptionPolicy) ConfigureWithMode(mode IPMatchMode, ips, userAgents, apiKeys []string) error {
	set, err := buildExemptions(mode, ips, userAgents, apiKeys)
	if err != nil {
		p.log.Warn("exemptions rejected", zap.Error(err))
		return err
	}

	p.mu.Lock()
	p.snap.Store(set)
	p.mu.Unlock()

	p.log.Info("exemptions configured",
		zap.Bool("cidr", mode == IPMatchCIDR),
		zap.Int("ips", len(ips)),
		zap.Int("user_agents", len(userAgents)),
		zap.Int("api_keys", len(apiKeys)))
	return nil
}

func buildExemptions(mode IPMatchMode, ips, userAgents, apiKeys []string) (*exemptionSet, error) {
	set := &exemptionSet{
		ipPatterns: append([]string(nil), ips...),
		userAgents: toSet(userAgents),
		apiKeys:    toSet(apiKeys),
	}

	switch mode {
	case IPMatchCIDR:
		set.trieV4 = &ipaddr.IPv4AddressTrie{}
		set.trieV6 = &ipaddr.IPv6AddressTrie{}
		for _, pattern := range ips {
			addr, err := ipaddr.NewIPAddressString(strings.TrimSpace(pattern)).ToAddress()
			if err != nil || addr == nil {
				return nil, &domain.ConfigurationError{Field: "exempt_ips", Reason: "invalid address " + pattern}
			}
			block := addr.ToPrefixBlock()
			if block.IsIPv4() {
				set.trieV4.Add(block.ToIPv4())
			} else if block.IsIPv6() {
				set.trieV6.Add(block.ToIPv6())
			}
		}
	default:
		for _, pattern := range ips {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				return nil, &domain.ConfigurationError{Field: "exempt_ips", Reason: "empty pattern"}
			}
			set.ipPrefixes = append(set.ipPrefixes, compileIPPattern(pattern))
		}
	}
	return set, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it != "" {
			out[it] = struct{}{}
		}
	}
	return out
}

func compileIPPattern(pattern string) ipPrefix {
	network, _, isCIDR := strings.Cut(pattern, "/")
	if !isCIDR {
		return ipPrefix{value: pattern}
	}
	// mantém o ponto final: "10.0.1." não casa com "10.0.100.5"
	if i := strings.LastIndex(network, "."); i >= 0 {
		network = network[:i+1]
	}
	return ipPrefix{value: network, prefix: true}
}

// MatchIPPattern aplica a regra de IPMatchPrefix a um único padrão.
func MatchIPPattern(ip, pattern string) bool {
	return compileIPPattern(pattern).matches(ip)
}

func (p ipPrefix) matches(ip string) bool {
	if p.prefix {
		return strings.HasPrefix(ip, p.value)
	}
	return ip == p.value
}

// IsExempt devolve true se IP, user-agent ou API key estiverem isentos.
// Valores vazios nunca casam.
func (p *ExemptionPolicy) IsExempt(ip, userAgent, apiKey string) bool {
	set := p.snap.Load()

	if ip != "" && set.matchIP(ip) {
		return true
	}
	if userAgent != "" {
		if _, ok := set.userAgents[userAgent]; ok {
			return true
		}
	}
	if apiKey != "" {
		if _, ok := set.apiKeys[apiKey]; ok {
			return true
		}
	}
	return false
}

func (s *exemptionSet) matchIP(ip string) bool {
	if s.trieV4 != nil {
		addr, err := ipaddr.NewIPAddressString(ip).ToAddress()
		if err != nil || addr == nil {
			return false
		}
		return (addr.IsIPv4() && s.trieV4.ElementContains(addr.ToIPv4())) ||
			(addr.IsIPv6() && s.trieV6.ElementContains(addr.ToIPv6()))
	}
	for _, p := range s.ipPrefixes {
		if p.matches(ip) {
			return true
		}
	}
	return false
}

// Patterns devolve as listas configuradas (para inspeção).
func (p *ExemptionPolicy) Patterns() (ips, userAgents, apiKeys []string) {
	set := p.snap.Load()
	ips = append([]string(nil), set.ipPatterns...)
	for ua := range set.userAgents {
		userAgents = append(userAgents, ua)
	}
	for k := range set.apiKeys {
		apiKeys = append(apiKeys, k)
	}
	return ips, userAgents, apiKeys
}
