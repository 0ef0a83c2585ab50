package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Payment domain collectors. They stay nil until MustRegisterDomainMetrics
// runs, and IncCounter tolerates that so packages can be tested without a
// registry.
var (
	PaymentIntentTotal     *prometheus.CounterVec
	PaymentWebhookTotal    *prometheus.CounterVec
	PaymentReconcileTotal  *prometheus.CounterVec
	PaymentPollTotal       *prometheus.CounterVec
	PaymentPollAttempts    *prometheus.HistogramVec
	CredentialRefreshTotal *prometheus.CounterVec
	EventPublishTotal      *prometheus.CounterVec
	RateLimitedTotal       *prometheus.CounterVec

	domainOnce sync.Once
)

func counter(ns, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
}

// MustRegisterDomainMetrics creates the payment collectors under namespace.
// Only the first call has an effect.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = register(reg, counter(namespace, "payment_intent_total",
			"Intent creations by provider and result.", "provider", "result"))
		PaymentWebhookTotal = register(reg, counter(namespace, "payment_webhook_total",
			"Inbound provider callbacks by provider and result.", "provider", "result"))
		PaymentReconcileTotal = register(reg, counter(namespace, "payment_reconcile_total",
			"Reconciliation outcomes by provider, channel and action.", "provider", "via", "action"))
		PaymentPollTotal = register(reg, counter(namespace, "payment_poll_total",
			"Status poll outcomes by provider.", "provider", "result"))
		PaymentPollAttempts = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_poll_attempts",
			Help:      "Provider status calls issued per poll.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}, []string{"provider"}))
		CredentialRefreshTotal = register(reg, counter(namespace, "credential_refresh_total",
			"Provider token refreshes by result.", "provider", "result"))
		EventPublishTotal = register(reg, counter(namespace, "event_publish_total",
			"Payment event deliveries by notifier and result.", "notifier", "result"))
		RateLimitedTotal = register(reg, counter(namespace, "rate_limited_total",
			"Requests refused by a rate limit.", "limit"))
	})
}

// IncCounter bumps vec when it has been registered.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}
