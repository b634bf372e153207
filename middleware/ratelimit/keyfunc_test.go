package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultDescriptorFunc_PrefersHeaderWhenSet(t *testing.T) {
	fn := DefaultDescriptorFunc("X-Client", "X-Role", false)

	r := httptest.NewRequest(http.MethodGet, "http://example/api/products?x=1", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Client", " client-123 ")
	r.Header.Set("X-Role", "premium")
	r.Header.Set("User-Agent", "curl/8.0")

	d := fn(r)
	assert.Equal(t, "client-123", d.ClientID)
	assert.Equal(t, "premium", d.Role)
	assert.Equal(t, "10.0.0.1", d.IP)
	assert.Equal(t, "/api/products", d.Endpoint)
	assert.Equal(t, "curl/8.0", d.UserAgent)
}

func TestClientIP_TrustXForwardedForUsesFirstIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")

	assert.Equal(t, "1.2.3.4", ClientIP(r, true))
	assert.Equal(t, "10.0.0.9", ClientIP(r, false), "proxy headers are ignored unless trusted")
}

func TestClientIP_RealIPWhenNoForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("X-Real-IP", " 9.9.9.9 ")

	assert.Equal(t, "9.9.9.9", ClientIP(r, true))
}

func TestClientIP_FallbacksToRemoteAddrHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", ClientIP(r, false))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientIP(r, false))

	r.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(r, false))
}

func TestClientID_BearerTokenIsHashed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.Header.Set("Authorization", "Bearer secret-token")

	id := ClientID(r, "10.0.0.1")
	assert.True(t, strings.HasPrefix(id, "user:"))
	assert.Len(t, id, len("user:")+16)
	assert.NotContains(t, id, "secret-token")
	assert.Equal(t, id, ClientID(r, "10.0.0.2"), "same token, same client")

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "ip:10.0.0.1", ClientID(r, "10.0.0.1"))
}

func TestAPIKey_HeaderThenQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/?api_key=from-query", nil)
	assert.Equal(t, "from-query", APIKey(r))

	r.Header.Set("X-API-Key", "from-header")
	assert.Equal(t, "from-header", APIKey(r))
}

func TestFormatHash_FixedWidth(t *testing.T) {
	assert.Equal(t, "000000000000000f", formatHash(15))
	assert.Equal(t, "ffffffffffffffff", formatHash(^uint64(0)))
}
