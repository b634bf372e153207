package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Evaluator é o que o middleware precisa do caso de uso.
type Evaluator interface {
	Evaluate(d domain.Descriptor) domain.Decision
}

// DescriptorFunc extrai da requisição o que o avaliador precisa saber.
type DescriptorFunc func(r *http.Request) domain.Descriptor

type Options struct {
	Evaluator    Evaluator
	Stats        domain.StatsStore
	DescriptorFn DescriptorFunc
	// ClientHeader, se presente na requisição, identifica o cliente
	// (ex: header injetado pela camada de autenticação).
	ClientHeader string
	// RoleHeader carrega o papel do usuário autenticado.
	RoleHeader          string
	TrustXForwardedFor  bool
	RejectStatus        int
	AddRateLimitHeaders bool
	Logger              *zap.Logger
	// DenyLogEvery limita os logs de negação a no máximo um por intervalo.
	DenyLogEvery time.Duration
	// Clock carimba os eventos de estatística. Padrão: o relógio do
	// avaliador quando ele expõe Now(), senão time.Now.
	Clock func() time.Time
}

type clocked interface {
	Now() time.Time
}

// statsMethod limita os métodos contados; o resto vira "OTHER".
func statsMethod(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return m
	}
	return "OTHER"
}

// ClientIP devolve o IP do cliente: X-Forwarded-For (primeiro hop) e X-Real-IP
// apenas se confiarmos no proxy; senão RemoteAddr.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// APIKey lê a chave do header X-API-Key ou do parâmetro api_key.
func APIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	return r.URL.Query().Get("api_key")
}

// ClientID identifica o cliente: token Bearer vira "user:<hash>", senão "ip:<ip>".
// O token nunca é usado em claro como chave.
func ClientID(r *http.Request, ip string) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if token = strings.TrimSpace(token); token != "" {
			return "user:" + formatHash(xxhash.Sum64String(token))
		}
	}
	return "ip:" + ip
}

func DefaultDescriptorFunc(clientHeader, roleHeader string, trustXFF bool) DescriptorFunc {
	return func(r *http.Request) domain.Descriptor {
		ip := ClientIP(r, trustXFF)
		d := domain.Descriptor{
			IP:        ip,
			Endpoint:  r.URL.Path,
			APIKey:    APIKey(r),
			UserAgent: r.UserAgent(),
		}
		if clientHeader != "" {
			d.ClientID = strings.TrimSpace(r.Header.Get(clientHeader))
		}
		if d.ClientID == "" {
			d.ClientID = ClientID(r, ip)
		}
		if roleHeader != "" {
			d.Role = strings.TrimSpace(r.Header.Get(roleHeader))
		}
		return d
	}
}

type rejectBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
}

// rejectMessage descreve a dimensão que negou.
func rejectMessage(dec domain.Decision, d domain.Descriptor) string {
	switch dec.DeniedBy {
	case domain.DimensionUserEndpoint:
		return "Rate limit exceeded for endpoint " + d.Endpoint
	case domain.DimensionEndpointGlobal:
		return "Endpoint rate limit exceeded for " + d.Endpoint
	case domain.DimensionIP:
		return "IP rate limit exceeded for " + d.IP
	case domain.DimensionAPIKey:
		return "API key rate limit exceeded"
	case domain.DimensionGlobal:
		return "Global rate limit exceeded"
	}
	return "Rate limit exceeded"
}

func statsKey(dec domain.Decision) string {
	if dec.Key.Kind == "" {
		return ""
	}
	return dec.Key.String()
}

func setQuotaHeaders(h http.Header, dec domain.Decision) {
	for k, v := range application.HeadersFor(dec.Limit, dec.Remaining, dec.Reset) {
		h.Set(k, v)
	}
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.DescriptorFn == nil {
		opts.DescriptorFn = DefaultDescriptorFunc(opts.ClientHeader, opts.RoleHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DenyLogEvery <= 0 {
		opts.DenyLogEvery = time.Second
	}
	denyLog := &rate.Sometimes{First: 1, Interval: opts.DenyLogEvery}
	if opts.Clock == nil {
		opts.Clock = time.Now
		if c, ok := opts.Evaluator.(clocked); ok {
			opts.Clock = c.Now
		}
	}

	return func(next http.Handler) http.Handler {
		if opts.Evaluator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := opts.DescriptorFn(r)
			dec := opts.Evaluator.Evaluate(d)

			// sem dimensão avaliada (e sem isenção) não há o que contar
			if opts.Stats != nil && (!dec.Unlimited || dec.Exempt) {
				ev := domain.StatsEvent{
					Key:      statsKey(dec),
					Admitted: dec.Admitted,
					Exempt:   dec.Exempt,
					DeniedBy: dec.DeniedBy,
					Method:   statsMethod(r.Method),
					// nunca o caminho cru: "/api/admin/*" conta como uma rota só
					Endpoint: dec.Endpoint,
					At:       opts.Clock(),
				}
				if err := opts.Stats.Record(r.Context(), ev); err != nil {
					opts.Logger.Debug("stats record failed", zap.Error(err))
				}
			}

			if !dec.Admitted {
				denyLog.Do(func() {
					opts.Logger.Info("rate limit exceeded",
						zap.String("client_id", d.ClientID),
						zap.String("ip", d.IP),
						zap.String("path", d.Endpoint),
						zap.String("dimension", string(dec.DeniedBy)),
						zap.Duration("retry_after", dec.RetryAfter))
				})

				h := w.Header()
				setQuotaHeaders(h, dec)
				h.Set("Retry-After", formatInt(int(dec.RetryAfter/time.Second)))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(opts.RejectStatus)
				_ = json.NewEncoder(w).Encode(rejectBody{
					Error:      "Rate limit exceeded",
					Message:    rejectMessage(dec, d),
					RetryAfter: dec.Reset,
				})
				return
			}

			if opts.AddRateLimitHeaders && !dec.Unlimited {
				setQuotaHeaders(w.Header(), dec)
			}
			next.ServeHTTP(w, r)
		})
	}
}
