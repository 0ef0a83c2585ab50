package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/obs"
)

// Config derives the limit key and thresholds for one route.
type Config struct {
	Name   string
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces a sliding-window limit. Limiter failures let the request through.
type Handler struct {
	Limiter Limiter
	Config  Config
	Logger  zerolog.Logger
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			h.Logger.Warn().Err(err).Str("limit", h.Config.Name).Msg("rate_limit_unavailable")
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			retryAfter := max(int(time.Until(resetAt).Seconds()), 0)
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			obs.IncCounter(obs.RateLimitedTotal, h.Config.Name)
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ByClientAndIntent keys status polling per caller and intent, so one shopper
// polling quickly cannot starve another.
func ByClientAndIntent(r *http.Request) string {
	return strings.Join([]string{"status", common.ClientIP(r), chi.URLParam(r, "provider"), chi.URLParam(r, "intentId")}, ":")
}

// NewIntentLimiter builds the fixed-rate limiter for intent creation, keyed by
// client IP. rate uses the "<limit>-<period>" form, e.g. "30-M".
func NewIntentLimiter(rdb redis.UniversalClient, rate, prefix string) (func(http.Handler) http.Handler, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, err
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	mw := stdlib.NewMiddleware(limiter.New(store, parsed),
		stdlib.WithKeyGetter(func(r *http.Request) string { return "intent:" + common.ClientIP(r) }),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			obs.IncCounter(obs.RateLimitedTotal, "intent_create")
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many payment attempts", nil)
		}),
	)
	return mw.Handler, nil
}
