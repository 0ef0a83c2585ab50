package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/config"
	"github.com/noah-isme/paybridge/internal/credential"
	"github.com/noah-isme/paybridge/internal/events"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/order"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/poller"
	"github.com/noah-isme/paybridge/internal/queue"
	"github.com/noah-isme/paybridge/internal/reconcile"
	"github.com/noah-isme/paybridge/internal/resilience"
	"github.com/noah-isme/paybridge/internal/stream"
)

// Dependencies are the infrastructure handles opened by cmd/*. A nil DB
// selects the in-memory stores.
type Dependencies struct {
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Logger zerolog.Logger
	// Transport overrides the outbound provider transport.
	Transport http.RoundTripper
}

// App is the wired payment service shared by the API and the worker.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	DB     *pgxpool.Pool
	Redis  *redis.Client

	Orders      order.AdminStore
	Intents     payment.IntentStore
	AuditStore  audit.Store
	DLQ         queue.Store
	Credentials *credential.Cache
	Adapters    payment.Registry
	Engine      *reconcile.Engine
	Bus         *events.Bus
	Hub         *stream.Hub
	Queue       queue.Enqueuer
	Poller      *poller.Poller
	Service     *payment.Service
	Webhook     *payment.Webhook
	Verifier    poller.Verifier
	Validate    *validator.Validate

	closers []func() error
}

// Build wires every component from cfg. Adapters are registered only for
// providers whose credentials are configured.
func Build(cfg *config.Config, deps Dependencies) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if deps.Redis == nil {
		return nil, errors.New("app: redis client is required")
	}
	logger := deps.Logger
	a := &App{Config: cfg, Logger: logger, DB: deps.DB, Redis: deps.Redis, Validate: validator.New()}

	if deps.DB != nil {
		a.Orders = order.PGStore{Pool: deps.DB}
		a.Intents = payment.PGIntentStore{Pool: deps.DB}
		a.AuditStore = audit.PGStore{Pool: deps.DB}
		a.DLQ = queue.PGStore{Pool: deps.DB}
	} else {
		a.Orders = order.NewMemoryStore()
		a.Intents = payment.NewMemoryIntentStore()
		a.AuditStore = &audit.MemoryStore{}
		a.DLQ = &queue.MemoryStore{}
	}

	a.Credentials = credential.NewCache(logger.With().Str("component", "credential").Logger())
	a.Credentials.Retention = cfg.CredentialRetention
	a.Credentials.RefreshTimeout = cfg.CredentialRefreshTimeout

	transport := deps.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	a.Adapters = a.buildAdapters(obs.OutboundTransport(transport))

	a.Hub = stream.NewHub(logger.With().Str("component", "stream").Logger())
	notifiers, err := a.buildNotifiers()
	if err != nil {
		return nil, err
	}
	a.Bus = &events.Bus{Notifiers: notifiers}
	if deps.DB != nil {
		a.Bus.Store = events.PGStore{Pool: deps.DB}
	}

	auditLog := audit.Log{Store: a.AuditStore, Logger: logger.With().Str("component", "audit").Logger()}
	a.Engine = reconcile.New(a.Orders, a.Intents, auditLog)
	a.Engine.Lock = lock.Locker{R: deps.Redis, Prefix: "paybridge", RetryBackoff: cfg.LockRetryBackoff}
	a.Engine.LockTTL = cfg.LockTTL
	a.Engine.Events = a.Bus
	a.Engine.Logger = logger.With().Str("component", "reconcile").Logger()

	a.Queue = queue.Enqueuer{R: deps.Redis, Prefix: cfg.Verify.QueuePrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.Verify.MaxAttempts}
	a.Poller = &poller.Poller{
		Adapters:    a.Adapters,
		Intents:     a.Intents,
		Engine:      a.Engine,
		CallTimeout: cfg.Outbound.Timeout,
		Logger:      logger.With().Str("component", "poller").Logger(),
	}
	a.Verifier = poller.Verifier{
		Poller:   a.Poller,
		Lock:     lock.Locker{R: deps.Redis, Prefix: "paybridge", RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:  cfg.LockTTL,
		Interval: cfg.Poll.Interval,
		MaxWait:  cfg.Poll.MaxWait,
		Logger:   logger.With().Str("component", "verifier").Logger(),
	}

	a.Service = &payment.Service{
		Adapters:   a.Adapters,
		Normalizer: payment.Normalizer{Currencies: currencies(cfg)},
		Intents:    a.Intents,
		Engine:     a.Engine,
		Verifier:   poller.Scheduler{Queue: a.Queue, Delay: cfg.Verify.Delay, MaxAttempts: cfg.Verify.MaxAttempts},
		Logger:     logger.With().Str("component", "payment").Logger(),
	}
	a.Webhook = &payment.Webhook{
		Adapters:  a.Adapters,
		Intents:   a.Intents,
		Engine:    a.Engine,
		Replay:    deps.Redis,
		ReplayTTL: cfg.WebhookReplayTTL,
		MaxBody:   cfg.WebhookMaxBodyBytes,
		Logger:    logger.With().Str("component", "webhook").Logger(),
	}
	return a, nil
}

func (a *App) providerHTTP(target string, transport http.RoundTripper, retryUnsafe bool) resilience.HTTPClient {
	out := a.Config.Outbound
	breaker := resilience.NewBreaker(out.CircuitMinRequests, out.CircuitFailureRatio, out.CircuitOpenFor).
		WithTarget(target).
		WithLogger(a.Logger)
	return resilience.HTTPClient{
		Client:      &http.Client{Transport: transport},
		Breaker:     breaker,
		BaseBackoff: out.RetryBase,
		MaxAttempts: out.RetryMaxAttempts,
		Jitter:      out.RetryJitter,
		Timeout:     out.Timeout,
		RetryUnsafe: retryUnsafe,
	}
}

func (a *App) buildAdapters(transport http.RoundTripper) payment.Registry {
	cfg := a.Config
	var adapters []payment.Adapter
	if cfg.CardRail.Configured() {
		// Card rail creates carry an Idempotency-Key, so POSTs may be retried.
		adapters = append(adapters, payment.CardRail{
			BaseURL:       cfg.CardRail.BaseURL,
			SecretKey:     cfg.CardRail.SecretKey,
			WebhookSecret: cfg.CardRail.WebhookSecret,
			Tolerance:     cfg.CardRail.SignatureTolerance,
			HTTP:          a.providerHTTP(string(payment.ProviderCardRail), transport, true),
		})
	}
	if cfg.BillGateway.Configured() {
		bill := payment.BillGateway{
			BaseURL:       cfg.BillGateway.BaseURL,
			ClientID:      cfg.BillGateway.ClientID,
			ClientSecret:  cfg.BillGateway.ClientSecret,
			WebhookSecret: cfg.BillGateway.WebhookSecret,
			CallbackURL:   callbackURL(cfg.PublicBaseURL, payment.ProviderBillGateway),
			Credentials:   a.Credentials,
			HTTP:          a.providerHTTP(string(payment.ProviderBillGateway), transport, false),
		}
		a.Credentials.Register(string(payment.ProviderBillGateway), bill.TokenFetcher())
		adapters = append(adapters, bill)
	}
	if cfg.TxnGateway.Configured() {
		adapters = append(adapters, payment.TxnGateway{
			BaseURL:   cfg.TxnGateway.BaseURL,
			SecretKey: cfg.TxnGateway.SecretKey,
			HTTP:      a.providerHTTP(string(payment.ProviderTxnGateway), transport, false),
		})
	}
	for _, ad := range adapters {
		a.Logger.Info().Str("provider", string(ad.Provider())).Msg("payment adapter registered")
	}
	return payment.NewRegistry(adapters...)
}

func (a *App) buildNotifiers() ([]events.Notifier, error) {
	ev := a.Config.Events
	notifiers := []events.Notifier{a.Hub}
	switch strings.ToLower(strings.TrimSpace(ev.Broker)) {
	case "", "none":
	case "kafka":
		k := events.NewKafkaNotifier(ev.KafkaBrokers, ev.KafkaTopic)
		a.closers = append(a.closers, k.Close)
		notifiers = append(notifiers, k)
	case "rabbitmq":
		r, err := events.NewRabbitNotifier(ev.RabbitMQURL, ev.RabbitMQExchange)
		if err != nil {
			return nil, fmt.Errorf("app: connect rabbitmq: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		notifiers = append(notifiers, r)
	default:
		return nil, fmt.Errorf("app: unknown events broker %q", ev.Broker)
	}
	return notifiers, nil
}

func currencies(cfg *config.Config) map[payment.Provider][]string {
	out := make(map[payment.Provider][]string, len(payment.DefaultCurrencies))
	for p, list := range payment.DefaultCurrencies {
		out[p] = list
	}
	set := func(p payment.Provider, list []string) {
		if len(list) > 0 {
			out[p] = list
		}
	}
	set(payment.ProviderCardRail, cfg.CardRail.Currencies)
	set(payment.ProviderBillGateway, cfg.BillGateway.Currencies)
	set(payment.ProviderTxnGateway, cfg.TxnGateway.Currencies)
	return out
}

func callbackURL(base string, p payment.Provider) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	return base + "/webhooks/" + string(p)
}

// VerifyWorker returns the queue worker running server-side verification.
func (a *App) VerifyWorker() queue.Worker {
	v := a.Config.Verify
	return queue.Worker{
		R:                 a.Redis,
		Prefix:            v.QueuePrefix,
		Kind:              poller.TaskVerify,
		Concurrency:       v.Concurrency,
		VisibilityTimeout: v.VisibilityTimeout,
		RetryBase:         a.Config.Outbound.RetryBase,
		RetryJitter:       a.Config.Outbound.RetryJitter,
		Store:             a.DLQ,
		Logger:            a.Logger.With().Str("component", "verify-worker").Logger(),
		Handler:           a.Verifier.Handle,
	}
}

// Close shuts down the stream hub and broker connections.
func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
