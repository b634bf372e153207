package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type AdminOptions struct {
	Evaluator *application.Evaluator
	// Stats é opcional; sem ele /stats responde 404.
	Stats *infra.MemoryStatsStore
	// Pool é opcional; expõe ocupação do limite de concorrência.
	Pool *infra.SlotPool
	// Reload é opcional; sem ele /reload responde 501.
	Reload func(ctx context.Context) error
	Logger *zap.Logger
}

type decisionView struct {
	Admitted   bool              `json:"admitted"`
	Exempt     bool              `json:"exempt"`
	Unlimited  bool              `json:"unlimited"`
	Limit      int               `json:"limit"`
	Remaining  int               `json:"remaining"`
	Reset      int64             `json:"reset"`
	RetryAfter int64             `json:"retry_after_seconds,omitempty"`
	DeniedBy   string            `json:"denied_by,omitempty"`
	Key        string            `json:"key,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type limitsView struct {
	Endpoint          string             `json:"endpoint"`
	RequestsPerMinute int                `json:"requests_per_minute"`
	Role              string             `json:"role,omitempty"`
	RoleLimits        *domain.RoleLimits `json:"role_limits,omitempty"`
	MaxConcurrent     int                `json:"max_concurrent"`
	InFlight          int                `json:"in_flight"`
	Adaptive          adaptiveView       `json:"adaptive"`
}

type adaptiveView struct {
	Enabled               bool    `json:"enabled"`
	Load                  float64 `json:"load"`
	LoadThreshold         float64 `json:"load_threshold,omitempty"`
	ReductionFactor       float64 `json:"reduction_factor,omitempty"`
	BaseRequestsPerMinute int     `json:"base_requests_per_minute,omitempty"`
}

type statsView struct {
	Total             infra.Counters            `json:"total"`
	ByRoute           map[string]infra.Counters `json:"by_route"`
	DeniedByDimension map[string]int64          `json:"denied_by_dimension"`
	Windows           int                       `json:"windows,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// AdminHandler expõe introspecção (sem consumir cota) e recarga da política.
//
//	GET  /status?client_id=&ip=&endpoint=&role=&api_key=&user_agent=
//	GET  /limits/current?endpoint=&role=
//	GET  /stats
//	POST /reload
func AdminHandler(opts AdminOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		d := domain.Descriptor{
			ClientID:  q.Get("client_id"),
			IP:        q.Get("ip"),
			Endpoint:  q.Get("endpoint"),
			Role:      q.Get("role"),
			APIKey:    q.Get("api_key"),
			UserAgent: q.Get("user_agent"),
		}
		if d.ClientID == "" && d.IP != "" {
			d.ClientID = "ip:" + d.IP
		}
		dec := opts.Evaluator.Inspect(d)

		view := decisionView{
			Admitted:  dec.Admitted,
			Exempt:    dec.Exempt,
			Unlimited: dec.Unlimited,
			Limit:     dec.Limit,
			Remaining: dec.Remaining,
			Reset:     dec.Reset,
			DeniedBy:  string(dec.DeniedBy),
			Key:       statsKey(dec),
		}
		if dec.RetryAfter > 0 {
			view.RetryAfter = int64(dec.RetryAfter / time.Second)
		}
		if !dec.Unlimited {
			view.Headers = application.HeadersFor(dec.Limit, dec.Remaining, dec.Reset)
		}
		respondJSON(w, http.StatusOK, view)
	})

	r.Get("/limits/current", func(w http.ResponseWriter, req *http.Request) {
		endpoint := req.URL.Query().Get("endpoint")
		if endpoint == "" {
			respondError(w, http.StatusBadRequest, "endpoint is required")
			return
		}
		reg := opts.Evaluator.Registry()
		adaptive := opts.Evaluator.Adaptive()

		view := limitsView{
			Endpoint:          endpoint,
			RequestsPerMinute: opts.Evaluator.CurrentRateLimit(endpoint),
			MaxConcurrent:     reg.MaxConcurrent(),
			Adaptive: adaptiveView{
				Enabled: adaptive.Enabled(),
				Load:    adaptive.Load(),
			},
		}
		if cfg, ok := adaptive.Config(); ok {
			view.Adaptive.LoadThreshold = cfg.LoadThreshold
			view.Adaptive.ReductionFactor = cfg.ReductionFactor
			view.Adaptive.BaseRequestsPerMinute = cfg.BaseRequestsPerMinute
		}
		if role := req.URL.Query().Get("role"); role != "" {
			rl := reg.RoleLimits(role)
			view.Role = role
			view.RoleLimits = &rl
		}
		if opts.Pool != nil {
			view.InFlight = opts.Pool.InUse()
		}
		respondJSON(w, http.StatusOK, view)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		if opts.Stats == nil {
			respondError(w, http.StatusNotFound, "stats not enabled")
			return
		}
		denied := make(map[string]int64)
		for k, v := range opts.Stats.DeniedByDimension() {
			denied[string(k)] = v
		}
		view := statsView{
			Total:             opts.Stats.Total(),
			ByRoute:           opts.Stats.ByRoute(),
			DeniedByDimension: denied,
		}
		if ws, ok := opts.Evaluator.Store().(*infra.WindowStore); ok {
			view.Windows = ws.Len()
		}
		respondJSON(w, http.StatusOK, view)
	})

	r.Post("/reload", func(w http.ResponseWriter, req *http.Request) {
		if opts.Reload == nil {
			respondError(w, http.StatusNotImplemented, "reload not configured")
			return
		}
		if err := opts.Reload(req.Context()); err != nil {
			opts.Logger.Warn("policy reload failed", zap.Error(err))
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		opts.Logger.Info("policy reloaded via admin endpoint")
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}
