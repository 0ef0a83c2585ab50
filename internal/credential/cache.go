// Package credential caches short-lived provider access tokens.
//
// Concurrent callers that find no usable token share a single refresh per
// provider. A refresh runs detached from any one caller's context so a caller
// that gives up does not fail the others; it is still bounded by RefreshTimeout.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/paybridge/internal/obs"
)

// ErrCredential marks failures to obtain a provider credential.
var ErrCredential = errors.New("credential: unavailable")

// Error reports why a provider token could not be obtained.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("credential: %s unavailable", e.Provider)
	}
	return fmt.Sprintf("credential: %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrCredential.
func (e *Error) Is(target error) bool { return target == ErrCredential }

// Token is a bearer credential. ExpiresAt is already shortened by the cache's
// retention ratio when handed out by Cache.Get.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Grant is what a Fetcher obtained from the provider's token endpoint.
type Grant struct {
	Value string
	// Lifetime is the provider-declared validity.
	Lifetime time.Duration
}

// Fetcher requests a new token from a provider.
type Fetcher interface {
	FetchToken(ctx context.Context) (Grant, error)
}

// FetcherFunc adapts a function into a Fetcher.
type FetcherFunc func(ctx context.Context) (Grant, error)

// FetchToken implements Fetcher.
func (f FetcherFunc) FetchToken(ctx context.Context) (Grant, error) { return f(ctx) }

// Cache holds at most one token per provider.
type Cache struct {
	// Retention is the fraction of the declared lifetime a token is trusted for.
	Retention      float64
	RefreshTimeout time.Duration
	Logger         zerolog.Logger
	Now            func() time.Time

	mu       sync.RWMutex
	fetchers map[string]Fetcher
	tokens   map[string]Token
	group    singleflight.Group

	histOnce sync.Once
	refreshH metric.Float64Histogram
}

// DefaultRetention keeps a token for 23 of every 24 declared hours.
const DefaultRetention = 23.0 / 24.0

// NewCache constructs a cache with the default retention.
func NewCache(logger zerolog.Logger) *Cache {
	return &Cache{Retention: DefaultRetention, RefreshTimeout: 10 * time.Second, Logger: logger}
}

// Register binds provider to the fetcher that refreshes its token. Registering
// again replaces the fetcher and drops any cached token.
func (c *Cache) Register(provider string, f Fetcher) {
	provider = normalise(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchers == nil {
		c.fetchers = make(map[string]Fetcher)
	}
	if c.tokens == nil {
		c.tokens = make(map[string]Token)
	}
	c.fetchers[provider] = f
	delete(c.tokens, provider)
}

// Get returns a cached token when still valid, otherwise joins or starts the
// single in-flight refresh for the provider.
func (c *Cache) Get(ctx context.Context, provider string) (Token, error) {
	provider = normalise(provider)
	if tok, ok := c.cached(provider); ok {
		return tok, nil
	}
	return c.refresh(ctx, provider)
}

// Invalidate drops the cached token so the next Get refreshes. A token that
// was already replaced by a newer refresh is left alone.
func (c *Cache) Invalidate(provider string, stale Token) {
	provider = normalise(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.tokens[provider]; ok && (stale.Value == "" || cur.Value == stale.Value) {
		delete(c.tokens, provider)
	}
}

// ForceRefresh invalidates stale and obtains a new token.
func (c *Cache) ForceRefresh(ctx context.Context, provider string, stale Token) (Token, error) {
	c.Invalidate(provider, stale)
	return c.Get(ctx, provider)
}

func (c *Cache) cached(provider string) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[provider]
	if !ok || tok.Value == "" || !c.now().Before(tok.ExpiresAt) {
		return Token{}, false
	}
	return tok, true
}

func (c *Cache) refresh(ctx context.Context, provider string) (Token, error) {
	ch := c.group.DoChan(provider, func() (any, error) {
		// another caller may have finished a refresh between our miss and here
		if tok, ok := c.cached(provider); ok {
			return tok, nil
		}
		return c.fetch(context.WithoutCancel(ctx), provider)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (c *Cache) fetch(ctx context.Context, provider string) (Token, error) {
	c.mu.RLock()
	fetcher := c.fetchers[provider]
	c.mu.RUnlock()
	if fetcher == nil {
		obs.IncCounter(obs.CredentialRefreshTotal, provider, "unconfigured")
		return Token{}, &Error{Provider: provider, Err: errors.New("no credential source configured")}
	}

	timeout := c.RefreshTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	grant, err := fetcher.FetchToken(ctx)
	c.recordLatency(ctx, provider, c.now().Sub(start), err == nil)
	if err != nil {
		obs.IncCounter(obs.CredentialRefreshTotal, provider, "error")
		c.Logger.Warn().Err(err).Str("provider", provider).Msg("credential_refresh_failed")
		if errors.Is(err, ErrCredential) {
			return Token{}, err
		}
		return Token{}, &Error{Provider: provider, Err: err}
	}
	if strings.TrimSpace(grant.Value) == "" || grant.Lifetime <= 0 {
		obs.IncCounter(obs.CredentialRefreshTotal, provider, "invalid")
		return Token{}, &Error{Provider: provider, Err: errors.New("token endpoint returned no usable token")}
	}

	tok := Token{Value: grant.Value, ExpiresAt: start.Add(c.retained(grant.Lifetime))}
	c.mu.Lock()
	if c.tokens == nil {
		c.tokens = make(map[string]Token)
	}
	c.tokens[provider] = tok
	c.mu.Unlock()

	obs.IncCounter(obs.CredentialRefreshTotal, provider, "ok")
	c.Logger.Debug().Str("provider", provider).Time("expires_at", tok.ExpiresAt).Msg("credential_refreshed")
	return tok, nil
}

func (c *Cache) retained(lifetime time.Duration) time.Duration {
	ratio := c.Retention
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultRetention
	}
	return time.Duration(float64(lifetime) * ratio)
}

func (c *Cache) recordLatency(ctx context.Context, provider string, d time.Duration, ok bool) {
	c.histOnce.Do(func() {
		h, err := otel.Meter("paybridge/credential").Float64Histogram(
			"credential.refresh.duration",
			metric.WithUnit("ms"),
			metric.WithDescription("Latency of provider token refreshes."),
		)
		if err == nil {
			c.refreshH = h
		}
	})
	if c.refreshH == nil {
		return
	}
	c.refreshH.Record(ctx, obs.DurationMillis(d), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("ok", ok),
	))
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func normalise(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
