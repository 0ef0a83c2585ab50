package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/paybridge/internal/app"
	"github.com/noah-isme/paybridge/internal/config"
	"github.com/noah-isme/paybridge/internal/db"
	"github.com/noah-isme/paybridge/internal/health"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, flush := app.Telemetry(sigCtx, cfg, "paybridge-api")
	defer func() {
		if err := flush(context.Background()); err != nil {
			logger.Error().Err(err).Msg("flush traces")
		}
	}()

	if cfg.RunMigrations {
		if err := db.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	startCtx, cancel := context.WithTimeout(sigCtx, 5*time.Second)
	defer cancel()
	pool, err := app.OpenPostgres(startCtx, cfg.DatabaseURL, "paybridge-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	rdb, err := app.OpenRedis(startCtx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()

	svc, err := app.Build(cfg, app.Dependencies{DB: pool, Redis: rdb, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("wire application")
	}
	defer svc.Close()

	probes := &health.Handler{Probes: []health.Probe{health.PGProbe(pool), health.RedisProbe(rdb)}}
	opts := app.RouterOptions{
		Health: probes,
		Headers: security.Headers{
			Enable:                cfg.Headers.Enable,
			EnableHSTS:            cfg.IsProduction(),
			HSTSMaxAge:            cfg.Headers.HSTSMaxAge,
			HSTSIncludeSubdomains: cfg.Headers.HSTSIncludeSubdomains,
			NoStore:               true,
		},
	}
	if cfg.Obs.MetricsEnabled {
		opts.HTTPMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.HTTPBuckets), nil)
		opts.Metrics = promhttp.Handler()
	}
	if cfg.Obs.EnablePprof {
		opts.Pprof = profiler(cfg.AdminUser, cfg.AdminPassword)
	}

	handler, err := svc.Router(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("router")
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listener failed")
		}
		return
	case <-sigCtx.Done():
	}

	// readiness fails for the drain delay before the listener closes
	probes.Drain()
	logger.Info().Dur("delay", cfg.Server.DrainDelay).Msg("draining")
	time.Sleep(cfg.Server.DrainDelay)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("stopped")
}

// profiler serves net/http/pprof, behind basic auth when admin credentials
// are configured.
func profiler(user, pass string) http.Handler {
	r := chi.NewRouter()
	if user != "" {
		r.Use(middleware.BasicAuth("pprof", map[string]string{user: pass}))
	}
	r.HandleFunc("/", pprof.Index)
	r.HandleFunc("/cmdline", pprof.Cmdline)
	r.HandleFunc("/profile", pprof.Profile)
	r.HandleFunc("/symbol", pprof.Symbol)
	r.HandleFunc("/trace", pprof.Trace)
	r.Handle("/{profile}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		pprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
	}))
	return r
}
