package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Provider holds the settings of one payment provider.
type Provider struct {
	BaseURL       string
	SecretKey     string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	Currencies    []string
	// SignatureTolerance bounds webhook timestamp age (card rail only).
	SignatureTolerance time.Duration
}

// Configured reports whether enough is set to register the adapter.
func (p Provider) Configured() bool {
	return strings.TrimSpace(p.BaseURL) != "" && (p.SecretKey != "" || p.ClientID != "")
}

// Outbound tunes every provider call.
type Outbound struct {
	Timeout             time.Duration
	RetryMaxAttempts    int
	RetryBase           time.Duration
	RetryJitter         float64
	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration
}

// Poll bounds client-driven and server-side polling.
type Poll struct {
	Interval   time.Duration
	MaxWait    time.Duration
	MaxCeiling time.Duration
}

// Verify configures the server-side verification queue.
type Verify struct {
	QueuePrefix       string
	Delay             time.Duration
	MaxAttempts       int
	Concurrency       int
	VisibilityTimeout time.Duration
}

// Events selects the broker domain events are published to.
type Events struct {
	Broker           string
	KafkaBrokers     []string
	KafkaTopic       string
	RabbitMQURL      string
	RabbitMQExchange string
}

// Observability configures logging, metrics, tracing and profiling.
type Observability struct {
	LogFormat        string
	LogLevel         string
	MetricsEnabled   bool
	MetricsNamespace string
	HTTPBuckets      string
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
	EnablePprof      bool
}

// Server holds HTTP listener timings.
type Server struct {
	ReadHeaderTimeout time.Duration
	DrainDelay        time.Duration
	ShutdownTimeout   time.Duration
}

// Headers configures the security response headers.
type Headers struct {
	Enable                bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// Config is the service configuration, read from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	PublicBaseURL      string
	RunMigrations      bool

	CardRail    Provider
	BillGateway Provider
	TxnGateway  Provider

	CredentialRetention      float64
	CredentialRefreshTimeout time.Duration

	Outbound Outbound

	WebhookReplayTTL    time.Duration
	WebhookMaxBodyBytes int64

	Poll   Poll
	Verify Verify

	LockTTL          time.Duration
	LockRetryBackoff time.Duration
	IdempotencyTTL   time.Duration

	IntentRateLimit  string
	StatusRateLimit  int
	StatusRateWindow time.Duration

	Events Events

	AdminUser     string
	AdminPassword string

	Obs     Observability
	Server  Server
	Headers Headers
}

// Load reads the process environment, after merging a .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	k, err := fromEnv()
	if err != nil {
		return nil, err
	}
	return build(source{k})
}

// LoadForTests is Load with overrides layered over the environment and no
// .env file. An empty override value unsets the key.
func LoadForTests(overrides map[string]string) (*Config, error) {
	k, err := fromEnv()
	if err != nil {
		return nil, err
	}
	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("config: override %s: %w", key, err)
		}
	}
	return build(source{k})
}

func fromEnv() (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}
	return k, nil
}

func build(src source) (*Config, error) {
	cfg := &Config{
		AppEnv:             src.str("APP_ENV", "development"),
		Port:               src.str("PORT", "8080"),
		DatabaseURL:        src.str("DATABASE_URL", ""),
		RedisURL:           src.str("REDIS_URL", ""),
		CORSAllowedOrigins: src.list("CORS_ALLOWED_ORIGINS"),
		PublicBaseURL:      strings.TrimRight(src.str("PUBLIC_BASE_URL", ""), "/"),
		RunMigrations:      src.flag("RUN_MIGRATIONS", true),

		CardRail: Provider{
			BaseURL:            src.str("CARD_RAIL_BASE_URL", "https://api.card-rail.example"),
			SecretKey:          src.str("CARD_RAIL_SECRET_KEY", ""),
			WebhookSecret:      src.str("CARD_RAIL_WEBHOOK_SECRET", ""),
			Currencies:         src.list("CARD_RAIL_CURRENCIES"),
			SignatureTolerance: src.dur("CARD_RAIL_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		BillGateway: Provider{
			BaseURL:       src.str("BILL_GATEWAY_BASE_URL", "https://api.bill-gateway.example"),
			ClientID:      src.str("BILL_GATEWAY_CLIENT_ID", ""),
			ClientSecret:  src.str("BILL_GATEWAY_CLIENT_SECRET", ""),
			WebhookSecret: src.str("BILL_GATEWAY_WEBHOOK_SECRET", ""),
			Currencies:    src.list("BILL_GATEWAY_CURRENCIES"),
		},
		TxnGateway: Provider{
			BaseURL:    src.str("TXN_GATEWAY_BASE_URL", "https://api.txn-gateway.example"),
			SecretKey:  src.str("TXN_GATEWAY_SECRET_KEY", ""),
			Currencies: src.list("TXN_GATEWAY_CURRENCIES"),
		},

		CredentialRetention:      src.ratio("CREDENTIAL_RETENTION_RATIO", 23.0/24.0),
		CredentialRefreshTimeout: src.dur("CREDENTIAL_REFRESH_TIMEOUT", 10*time.Second),

		Outbound: Outbound{
			Timeout:             src.dur("OUTBOUND_TIMEOUT", 10*time.Second),
			RetryMaxAttempts:    src.num("RETRY_MAX_ATTEMPTS", 3),
			RetryBase:           src.dur("RETRY_BASE", 200*time.Millisecond),
			RetryJitter:         src.ratio("RETRY_JITTER", 0.2),
			CircuitMinRequests:  src.num("CIRCUIT_MIN_REQUESTS", 10),
			CircuitFailureRatio: src.ratio("CIRCUIT_FAILURE_RATIO", 0.5),
			CircuitOpenFor:      src.dur("CIRCUIT_OPEN_FOR", 30*time.Second),
		},

		WebhookReplayTTL:    src.dur("WEBHOOK_REPLAY_TTL", 72*time.Hour),
		WebhookMaxBodyBytes: int64(src.num("WEBHOOK_MAX_BODY_BYTES", 1<<20)),

		Poll: Poll{
			Interval:   src.dur("POLL_INTERVAL", 2*time.Second),
			MaxWait:    src.dur("POLL_MAX_WAIT", 2*time.Minute),
			MaxCeiling: src.dur("POLL_MAX_WAIT_CEILING", 5*time.Minute),
		},
		Verify: Verify{
			QueuePrefix:       src.str("VERIFY_QUEUE_PREFIX", "paybridge"),
			Delay:             src.dur("VERIFY_DELAY", 30*time.Second),
			MaxAttempts:       src.num("VERIFY_MAX_ATTEMPTS", 5),
			Concurrency:       src.num("VERIFY_CONCURRENCY", 4),
			VisibilityTimeout: src.dur("VERIFY_VISIBILITY_TIMEOUT", 5*time.Minute),
		},

		LockTTL:          src.dur("LOCK_TTL", 30*time.Second),
		LockRetryBackoff: src.dur("LOCK_RETRY_BACKOFF", 50*time.Millisecond),
		IdempotencyTTL:   src.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		IntentRateLimit:  src.str("INTENT_RATE_LIMIT", "30-M"),
		StatusRateLimit:  src.num("STATUS_RATE_LIMIT", 30),
		StatusRateWindow: src.dur("STATUS_RATE_WINDOW", time.Minute),

		Events: Events{
			Broker:           strings.ToLower(src.str("EVENTS_BROKER", "none")),
			KafkaBrokers:     src.list("KAFKA_BROKERS"),
			KafkaTopic:       src.str("KAFKA_TOPIC", "paybridge.order-events"),
			RabbitMQURL:      src.str("RABBITMQ_URL", ""),
			RabbitMQExchange: src.str("RABBITMQ_EXCHANGE", "paybridge.events"),
		},

		AdminUser:     src.str("ADMIN_BASIC_AUTH_USER", ""),
		AdminPassword: src.str("ADMIN_BASIC_AUTH_PASS", ""),

		Server: Server{
			ReadHeaderTimeout: src.dur("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			DrainDelay:        src.dur("SHUTDOWN_DRAIN_DELAY", 2*time.Second),
			ShutdownTimeout:   src.dur("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Headers: Headers{
			Enable:                src.flag("SECURITY_HEADERS_ENABLE", true),
			HSTSMaxAge:            src.num("SECURITY_HSTS_MAX_AGE", 31536000),
			HSTSIncludeSubdomains: src.flag("SECURITY_HSTS_INCLUDE_SUBDOMAINS", true),
		},
	}
	cfg.Obs = Observability{
		LogFormat:        src.str("OBS_LOG_FORMAT", "json"),
		LogLevel:         src.str("OBS_LOG_LEVEL", "info"),
		MetricsEnabled:   src.flag("OBS_ENABLE_PROMETHEUS", true),
		MetricsNamespace: src.str("OBS_METRICS_NAMESPACE", "paybridge"),
		HTTPBuckets:      src.str("OBS_HTTP_BUCKETS", ""),
		TracingEnabled:   src.flag("OBS_ENABLE_TRACING", true),
		TracingExporter:  src.str("OBS_TRACING_EXPORTER", "otlp"),
		OTLPEndpoint:     src.str("OBS_OTLP_ENDPOINT", ""),
		SamplingRatio:    src.ratio("OBS_TRACING_SAMPLING_RATIO", 1),
		EnablePprof:      src.flag("OBS_ENABLE_PPROF", !cfg.IsProduction()),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.CredentialRetention <= 0 || c.CredentialRetention > 1 {
		return errors.New("CREDENTIAL_RETENTION_RATIO must be in (0, 1]")
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxWait <= 0 {
		return errors.New("POLL_INTERVAL and POLL_MAX_WAIT must be positive")
	}
	if c.Poll.MaxCeiling < c.Poll.MaxWait {
		c.Poll.MaxCeiling = c.Poll.MaxWait
	}
	switch c.Events.Broker {
	case "none", "":
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when EVENTS_BROKER=kafka")
		}
	case "rabbitmq":
		if c.Events.RabbitMQURL == "" {
			return errors.New("RABBITMQ_URL is required when EVENTS_BROKER=rabbitmq")
		}
	default:
		return fmt.Errorf("EVENTS_BROKER %q is not supported", c.Events.Broker)
	}
	if c.CardRail.SecretKey != "" && c.CardRail.WebhookSecret == "" {
		return errors.New("CARD_RAIL_WEBHOOK_SECRET is required when card rail is enabled")
	}
	if c.BillGateway.ClientID != "" && (c.BillGateway.ClientSecret == "" || c.BillGateway.WebhookSecret == "") {
		return errors.New("BILL_GATEWAY_CLIENT_SECRET and BILL_GATEWAY_WEBHOOK_SECRET are required when bill gateway is enabled")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// HTTPAddr is the listen address; PORT may be given as "8080" or ":8080".
func (c *Config) HTTPAddr() string {
	if port := strings.TrimSpace(c.Port); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":8080"
}

// source reads typed values out of the flat env keyspace. Unparseable values
// fall back to the default.
type source struct{ k *koanf.Koanf }

func (s source) str(key, def string) string {
	if v := strings.TrimSpace(s.k.String(key)); v != "" {
		return v
	}
	return def
}

func (s source) list(key string) []string {
	var out []string
	for _, part := range strings.Split(s.k.String(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s source) dur(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s.str(key, ""))
	if err != nil {
		return def
	}
	return d
}

func (s source) num(key string, def int) int {
	n, err := strconv.Atoi(s.str(key, ""))
	if err != nil {
		return def
	}
	return n
}

// ratio accepts a decimal ("0.95") or a fraction ("23/24").
func (s source) ratio(key string, def float64) float64 {
	raw := s.str(key, "")
	if num, den, ok := strings.Cut(raw, "/"); ok {
		a, errA := strconv.ParseFloat(strings.TrimSpace(num), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if errA != nil || errB != nil || b == 0 {
			return def
		}
		return a / b
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func (s source) flag(key string, def bool) bool {
	b, err := strconv.ParseBool(s.str(key, ""))
	if err != nil {
		return def
	}
	return b
}
