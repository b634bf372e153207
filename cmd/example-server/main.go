package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/internal/logger"
	"admission-gateway/internal/policy"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	// Exemplo: o avaliador embutido direto no seu webserver (sem proxy)
	log := logger.Init(os.Getenv("LOG_ENV"), os.Getenv("LOG_LEVEL"), "")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := infra.NewWindowStore()
	store.StartJanitor(ctx)
	ev := application.NewEvaluator(store, application.WithLogger(log.Named("ratelimit")))

	if err := policy.Defaults().Apply(ev); err != nil {
		log.Fatal("apply default policy", zap.Error(err))
	}
	// limites extras configurados por código
	if err := ev.Registry().SetIPLimit(120, 60); err != nil {
		log.Fatal("ip limit", zap.Error(err))
	}
	if err := ev.Exemptions().Configure([]string{"127.0.0.1"}, []string{"HealthChecker/1.0"}, nil); err != nil {
		log.Fatal("exemptions", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(ratelimit.Middleware(ratelimit.Options{
		Evaluator:           ev,
		RoleHeader:          "X-User-Role",
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
		Logger:              log.Named("http"),
	}))
	r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50}))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}
