package app

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/health"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/order"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/poller"
	"github.com/noah-isme/paybridge/internal/queue"
	"github.com/noah-isme/paybridge/internal/ratelimit"
	"github.com/noah-isme/paybridge/internal/security"
	"github.com/noah-isme/paybridge/internal/stream"
)

// RouterOptions carries the process-level pieces mounted next to the API.
type RouterOptions struct {
	Health      *health.Handler
	HTTPMetrics *obs.HTTPMetrics
	// Metrics and Pprof are mounted only when set.
	Metrics http.Handler
	Pprof   http.Handler
	Headers security.Headers
}

// Router builds the HTTP surface.
func (a *App) Router(opts RouterOptions) (http.Handler, error) {
	cfg := a.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.TracingMiddleware)
	if opts.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: a.Logger}.Middleware)
	r.Use(opts.Headers.Middleware)

	hh := opts.Health
	if hh == nil {
		hh = &health.Handler{Probes: []health.Probe{health.RedisProbe(a.Redis)}}
	}
	r.Get("/health/live", hh.Live)
	r.Get("/health/ready", hh.Ready)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Pprof != nil {
		r.Mount("/debug/pprof", opts.Pprof)
	}

	// Provider callbacks: no CORS, the body cap is enforced by the ingester.
	r.Post("/webhooks/{provider}", a.Webhook.Handle)

	intentLimit, err := ratelimit.NewIntentLimiter(a.Redis, cfg.IntentRateLimit, "rl:intent")
	if err != nil {
		return nil, fmt.Errorf("app: intent rate limiter: %w", err)
	}
	statusLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: a.Redis, Prefix: "rl:status"},
		Config: ratelimit.Config{
			Name:   "status",
			Key:    ratelimit.ByClientAndIntent,
			Window: cfg.StatusRateWindow,
			Max:    cfg.StatusRateLimit,
		},
		Logger: a.Logger,
	}
	idem := common.Idem{R: a.Redis, TTL: cfg.IdempotencyTTL, Prefix: "idem:intent"}

	payments := &payment.Handler{Svc: a.Service, Validate: a.Validate}
	await := poller.Handler{Poller: a.Poller, Interval: cfg.Poll.Interval, MaxWait: cfg.Poll.MaxWait, Ceiling: cfg.Poll.MaxCeiling}
	orders := &order.Handler{Store: a.Orders}
	ws := &stream.Handler{Hub: a.Hub, Orders: a.Orders, AllowedOrigins: originsOrNil(cfg.CORSAllowedOrigins)}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.CORS(allowedOrigins(cfg.CORSAllowedOrigins)))

		v.Route("/payments", func(p chi.Router) {
			p.Group(func(g chi.Router) {
				g.Use(intentLimit)
				g.Use(security.BodyLimit{Max: 64 << 10}.Middleware)
				g.Use(idem.Middleware)
				g.Post("/intents", payments.CreateIntent)
			})
			p.Route("/{provider}/{intentId}", func(pi chi.Router) {
				pi.With(statusLimit.Middleware).Get("/status", payments.Status)
				pi.Get("/await", await.Await)
				pi.Get("/return", payments.Return)
				pi.With(security.BodyLimit{Max: 16 << 10}.Middleware).Post("/payment-method", payments.UpdatePaymentMethod)
			})
		})

		v.Get("/orders/{orderRef}", orders.Get)
		v.Get("/orders/{orderRef}/stream", ws.ServeWS)

		if strings.TrimSpace(cfg.AdminUser) == "" {
			return
		}
		rec := audit.HTTPRecorder{Logger: a.Logger.With().Str("component", "admin").Logger(), ActorFunc: audit.BasicAuthActor}
		orderAdmin := &order.AdminHandler{Store: a.Orders}
		auditAdmin := audit.Handler{Store: a.AuditStore}
		queueAdmin := &queue.AdminHandler{Store: a.DLQ, Queue: a.Queue, Logger: a.Logger}

		v.Route("/admin", func(ad chi.Router) {
			ad.Use(middleware.BasicAuth("paybridge-admin", map[string]string{cfg.AdminUser: cfg.AdminPassword}))
			ad.With(rec.Middleware("order.create")).Post("/orders", orderAdmin.Create)
			ad.With(rec.Middleware("order.advance")).Patch("/orders/{orderRef}/status", orderAdmin.PatchStatus)
			ad.Get("/payments/conflicts", auditAdmin.Conflicts)
			ad.Get("/payments/events", auditAdmin.Events)
			ad.Get("/queue/dlq", queueAdmin.ListDLQ)
			ad.With(rec.Middleware("queue.replay")).Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			ad.Get("/queue/stats", queueAdmin.Stats)
		})
	})

	return r, nil
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func originsOrNil(origins []string) []string {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return nil
		}
	}
	return origins
}
