package application

import (
	"testing"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchIPPattern(t *testing.T) {
	cases := []struct {
		ip, pattern string
		want        bool
	}{
		{"10.0.0.5", "10.0.0.0/24", true},
		{"10.0.0.255", "10.0.0.0/24", true},
		{"10.0.1.5", "10.0.0.0/24", false},
		// aproximação: "/8" ainda compara até o último octeto antes da barra
		{"10.1.2.3", "10.0.0.0/8", false},
		{"10.0.05", "10.0.0.0/24", false},
		{"10.0.100.5", "10.0.1.0/24", false},
		{"10.0.15.3", "10.0.1.0/24", false},
		{"10.0.1.15", "10.0.1.0/24", true},
		{"192.168.1.1", "192.168.1.1", true},
		{"192.168.1.10", "192.168.1.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.ip+"~"+tc.pattern, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchIPPattern(tc.ip, tc.pattern))
		})
	}
}

func TestExemptionPolicy_OrderAndShortCircuit(t *testing.T) {
	p := NewExemptionPolicy()
	require.NoError(t, p.Configure(
		[]string{"10.0.0.0/24"},
		[]string{"HealthChecker/1.0"},
		[]string{"internal-key"},
	))

	assert.True(t, p.IsExempt("10.0.0.5", "", ""))
	assert.True(t, p.IsExempt("8.8.8.8", "HealthChecker/1.0", ""))
	assert.True(t, p.IsExempt("8.8.8.8", "curl/8", "internal-key"))
	assert.False(t, p.IsExempt("8.8.8.8", "healthchecker/1.0", "other"), "user agent match is exact")
	assert.False(t, p.IsExempt("", "", ""))
}

func TestExemptionPolicy_ConfigureReplaces(t *testing.T) {
	p := NewExemptionPolicy()
	require.NoError(t, p.Configure([]string{"1.2.3.4"}, nil, nil))
	require.NoError(t, p.Configure(nil, nil, []string{"k"}))

	assert.False(t, p.IsExempt("1.2.3.4", "", ""))
	assert.True(t, p.IsExempt("", "", "k"))

	ips, uas, keys := p.Patterns()
	assert.Empty(t, ips)
	assert.Empty(t, uas)
	assert.Equal(t, []string{"k"}, keys)
}

func TestExemptionPolicy_CIDRMode(t *testing.T) {
	p := NewExemptionPolicy(WithIPMatchMode(IPMatchCIDR))
	require.NoError(t, p.Configure([]string{"10.0.0.0/8", "2001:db8::/32", "192.168.1.7"}, nil, nil))

	assert.True(t, p.IsExempt("10.1.2.3", "", ""))
	assert.True(t, p.IsExempt("2001:db8::1", "", ""))
	assert.True(t, p.IsExempt("192.168.1.7", "", ""))
	assert.False(t, p.IsExempt("192.168.1.70", "", ""))
	assert.False(t, p.IsExempt("11.0.0.1", "", ""))
	assert.False(t, p.IsExempt("not-an-ip", "", ""))
}

func TestExemptionPolicy_InvalidPatternKeepsPrevious(t *testing.T) {
	p := NewExemptionPolicy(WithIPMatchMode(IPMatchCIDR))
	require.NoError(t, p.Configure([]string{"10.0.0.0/8"}, nil, nil))

	err := p.Configure([]string{"10.0.0.0/99"}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.True(t, p.IsExempt("10.9.9.9", "", ""))

	require.Error(t, NewExemptionPolicy().Configure([]string{" "}, nil, nil))
}
