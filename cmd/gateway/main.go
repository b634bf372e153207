package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"admission-gateway/internal/logger"
	"admission-gateway/internal/policy"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type CLI struct {
	Serve ServeCmd `cmd:"" default:"withargs" help:"Start the gateway."`
	Check CheckCmd `cmd:"" help:"Validate the policy file and exit."`

	PolicyFile string `name:"policy-file" env:"RATE_POLICY_FILE" help:"YAML policy file (empty = built-in defaults)." type:"path"`
	LogEnv     string `name:"log-env" env:"LOG_ENV" default:"development" help:"Logger environment (development, production)."`
	LogLevel   string `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level (debug, info, warn, error)."`
	LogFormat  string `name:"log-format" env:"LOG_FORMAT" help:"Force log encoding (json, console)."`
}

type ServeCmd struct {
	ListenAddr  string `name:"listen-addr" env:"LISTEN_ADDR" default:":8080" help:"Address to listen on."`
	UpstreamURL string `name:"upstream-url" env:"UPSTREAM_URL" required:"" help:"Upstream base URL."`

	RateEnabled  bool   `name:"rate-enabled" env:"RATE_ENABLED" default:"true" negatable:"" help:"Enable admission control."`
	ClientHeader string `name:"client-header" env:"RATE_CLIENT_HEADER" help:"Header carrying the client id (empty = bearer token or IP)."`
	RoleHeader   string `name:"role-header" env:"RATE_ROLE_HEADER" default:"X-User-Role" help:"Header carrying the user role."`
	TrustXFF     bool   `name:"trust-xff" env:"TRUST_XFF" help:"Trust X-Forwarded-For and X-Real-IP."`
	AddHeaders   bool   `name:"ratelimit-headers" env:"ADD_RATELIMIT_HEADERS" help:"Add X-RateLimit-* headers to admitted responses."`
	WatchPolicy  bool   `name:"watch-policy" env:"RATE_WATCH_POLICY" default:"true" negatable:"" help:"Reload the policy file when it changes."`

	CPUSampleEvery time.Duration `name:"cpu-sample-every" env:"RATE_CPU_SAMPLE_EVERY" default:"5s" help:"CPU load sampling interval for adaptive limiting."`

	ConcurrencyMax     int           `name:"concurrency-max" env:"CONCURRENCY_MAX" default:"100" help:"Max in-flight requests when the policy sets no global max_concurrent (0 = unlimited)."`
	ConcurrencyTimeout time.Duration `name:"concurrency-timeout" env:"CONCURRENCY_TIMEOUT" default:"0s" help:"How long to wait for a free slot."`

	StatsEnabled       bool          `name:"stats-enabled" env:"RATE_STATS_ENABLED" help:"Also record decision counters in Redis."`
	StatsRedisAddr     string        `name:"stats-redis-addr" env:"RATE_STATS_REDIS_ADDR" help:"Redis address for stats."`
	StatsRedisPassword string        `name:"stats-redis-password" env:"RATE_STATS_REDIS_PASSWORD" help:"Redis password for stats."`
	StatsRedisDB       int           `name:"stats-redis-db" env:"RATE_STATS_REDIS_DB" default:"0" help:"Redis DB for stats."`
	StatsPrefix        string        `name:"stats-prefix" env:"RATE_STATS_PREFIX" default:"ratelimit:stats" help:"Redis key prefix."`
	StatsTTL           time.Duration `name:"stats-ttl" env:"RATE_STATS_TTL" default:"24h" help:"TTL of Redis stats keys."`
	StatsBucket        string        `name:"stats-bucket" env:"RATE_STATS_BUCKET" default:"minute" enum:"minute,hour" help:"Redis stats bucket (minute, hour)."`
	StatsTrackKeys     bool          `name:"stats-track-keys" env:"RATE_STATS_TRACK_KEYS" help:"Count decisions per window key (high cardinality)."`

	MetricsNamespace string `name:"metrics-namespace" env:"METRICS_NAMESPACE" default:"gateway" help:"Prometheus namespace."`
}

type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	f := policy.Defaults()
	if cli.PolicyFile != "" {
		var err error
		if f, err = policy.Load(cli.PolicyFile); err != nil {
			return err
		}
	}
	if err := f.Validate(); err != nil {
		return err
	}
	fmt.Println("policy OK")
	return nil
}

func (c *ServeCmd) validate() error {
	if c.StatsEnabled && strings.TrimSpace(c.StatsRedisAddr) == "" {
		return errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	if c.ConcurrencyMax < 0 {
		return errors.New("CONCURRENCY_MAX must be >= 0")
	}
	return nil
}

func (c *ServeCmd) Run(cli *CLI) error {
	if err := c.validate(); err != nil {
		return err
	}
	log := logger.Get()

	target, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	// a retenção do store acompanha a maior janela configurada
	var ev *application.Evaluator
	store := infra.NewWindowStore(infra.WithRetention(func() time.Duration {
		return ev.Registry().LongestWindow()
	}))
	sampler := infra.NewCPULoadSampler(c.CPUSampleEvery, infra.WithSamplerLogger(log.Named("load")))
	ev = application.NewEvaluator(store,
		application.WithLogger(log.Named("ratelimit")),
		application.WithLoadSampler(sampler),
	)

	pool := infra.NewSlotPool(c.ConcurrencyMax)
	reloader := policy.NewReloader(cli.PolicyFile, ev, log.Named("policy"))
	reloader.OnApplied(func(*policy.File) {
		if ev.Registry().MaxConcurrent() > 0 {
			application.SyncCapacity(pool, ev.Registry())
		} else if pool.Capacity() != c.ConcurrencyMax {
			pool.Resize(c.ConcurrencyMax)
		}
		log.Info("concurrency capacity", zap.Int("max", pool.Capacity()))
	})
	if err := reloader.Reload(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promStats, err := infra.NewPrometheusStatsStore(reg, c.MetricsNamespace)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := infra.WindowGauge(reg, c.MetricsNamespace, store); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	memStats := infra.NewMemoryStatsStore()
	stats := infra.MultiStatsStore{memStats, promStats}
	if c.StatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.StatsRedisAddr,
			Password: c.StatsRedisPassword,
			DB:       c.StatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis stats ping: %w", err)
		}
		stats = append(stats, infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(c.StatsPrefix),
			infra.WithStatsTTL(c.StatsTTL),
			infra.WithStatsBucket(c.StatsBucket),
			infra.WithStatsTrackKeys(c.StatsTrackKeys),
		))
	}

	h := http.Handler(proxy)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Pool:           pool,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: c.ConcurrencyTimeout,
	})(h)
	if c.RateEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Evaluator:           ev,
			Stats:               stats,
			ClientHeader:        c.ClientHeader,
			RoleHeader:          c.RoleHeader,
			TrustXForwardedFor:  c.TrustXFF,
			RejectStatus:        http.StatusTooManyRequests,
			AddRateLimitHeaders: c.AddHeaders,
			Logger:              log.Named("http"),
		})(h)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/admin/ratelimit", ratelimit.AdminHandler(ratelimit.AdminOptions{
		Evaluator: ev,
		Stats:     memStats,
		Pool:      pool,
		Reload:    reloader.Reload,
		Logger:    log.Named("admin"),
	}))
	r.Handle("/*", h)

	srv := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	store.StartJanitor(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sampler.Run(gctx) })
	if c.WatchPolicy {
		g.Go(func() error { return reloader.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("gateway listening",
			zap.String("addr", c.ListenAddr),
			zap.String("upstream", target.String()),
			zap.Bool("rate_enabled", c.RateEnabled),
			zap.String("policy", reloader.Path()),
			zap.Bool("trust_xff", c.TrustXFF),
			zap.Bool("redis_stats", c.StatsEnabled),
			zap.Int("concurrency_max", pool.Capacity()),
			zap.Duration("concurrency_timeout", c.ConcurrencyTimeout))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		// encerra os demais quando o servidor para
		cancel()
		return nil
	})
	return g.Wait()
}

// loadDotEnv carrega .env (se existir) antes do parse dos flags.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
}

func main() {
	loadDotEnv()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Reverse proxy with multi-dimensional admission control."),
		kong.UsageOnError(),
	)

	logger.Init(cli.LogEnv, cli.LogLevel, cli.LogFormat)
	defer logger.Sync()

	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
