package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies an upstream payment provider.
type Provider string

const (
	ProviderCardRail    Provider = "card_rail"
	ProviderBillGateway Provider = "bill_gateway"
	ProviderTxnGateway  Provider = "txn_gateway"
)

// Providers lists every supported provider.
var Providers = []Provider{ProviderCardRail, ProviderBillGateway, ProviderTxnGateway}

// ParseProvider accepts the canonical name as well as dashed or upper-case spellings.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, raw)
}

func (p Provider) String() string { return string(p) }

// IntentStatus is the normalised lifecycle state of a payment intent.
type IntentStatus string

const (
	StatusCreated        IntentStatus = "CREATED"
	StatusRequiresAction IntentStatus = "REQUIRES_ACTION"
	StatusSucceeded      IntentStatus = "SUCCEEDED"
	StatusFailed         IntentStatus = "FAILED"
	StatusCanceled       IntentStatus = "CANCELED"
)

// Terminal reports whether no further transition is expected without a new intent.
func (s IntentStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanMoveTo reports whether a stored intent may take status next. Pending
// intents move freely; a failed or cancelled intent only moves to succeeded
// (late capture) and a succeeded intent is final.
func (s IntentStatus) CanMoveTo(next IntentStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusSucceeded:
		return false
	case StatusFailed, StatusCanceled:
		return next == StatusSucceeded
	default:
		return true
	}
}

// Channel records how a payment outcome reached the engine.
type Channel string

const (
	ViaWebhook        Channel = "WEBHOOK"
	ViaPoll           Channel = "POLL"
	ViaClientRedirect Channel = "CLIENT_REDIRECT"
)

// MetadataOrderRef is the metadata key that carries the order reference through providers.
const MetadataOrderRef = "orderRef"

// Customer carries the contact details some providers require.
type Customer struct {
	Name  string `json:"name,omitempty" validate:"omitempty,max=120"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// PaymentIntent is a normalised request to pay, as known to the provider.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Provider         Provider          `json:"provider"`
	OrderRef         string            `json:"orderRef"`
	Reference        string            `json:"reference,omitempty"`
	AmountMinorUnits int64             `json:"amountMinorUnits"`
	Currency         string            `json:"currency"`
	Status           IntentStatus      `json:"status"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ClientSecret     string            `json:"clientSecret,omitempty"`
	RedirectURL      string            `json:"redirectUrl,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// CreateRequest is the validated, provider-ready form of a payment request.
// Adapters trust its contents.
type CreateRequest struct {
	Provider         Provider
	OrderRef         string
	Reference        string
	Amount           decimal.Decimal
	AmountMinorUnits int64
	Currency         string
	Customer         Customer
	Method           string
	Description      string
	ReturnURL        string
	Metadata         map[string]string
}

// StatusReport is what a provider says about a payment right now.
type StatusReport struct {
	ProviderPaymentID string
	ReportedStatus    string
	Status            IntentStatus
	AmountMinorUnits  int64
	Currency          string
	Metadata          map[string]string
	Raw               []byte
}

// WebhookClaim is the normalised content of a validated webhook.
type WebhookClaim struct {
	ProviderPaymentID string
	Reference         string
	ReportedStatus    string
	Status            IntentStatus
	AmountMinorUnits  int64
	Currency          string
	Metadata          map[string]string
	// Advisory claims come from an unsigned source and must be corroborated.
	Advisory bool
	// Relevant is false for event types that carry no payment outcome.
	Relevant bool
}

// PaymentEvent is a normalised outcome notification consumed by the reconciliation engine.
type PaymentEvent struct {
	Provider          Provider          `json:"provider"`
	ProviderPaymentID string            `json:"providerPaymentId"`
	ReportedStatus    string            `json:"reportedStatus"`
	Status            IntentStatus      `json:"status"`
	AmountMinorUnits  int64             `json:"amountMinorUnits,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RawPayload        []byte            `json:"-"`
	ReceivedVia       Channel           `json:"receivedVia"`
	ReceivedAt        time.Time         `json:"receivedAt"`
}

// OrderRef returns the order reference carried in the event metadata, if any.
func (e PaymentEvent) OrderRef() string {
	if e.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(e.Metadata[MetadataOrderRef])
}

// EventFromReport builds the event for an outcome observed through a status call.
func EventFromReport(intent PaymentIntent, report StatusReport, via Channel, at time.Time) PaymentEvent {
	id := report.ProviderPaymentID
	if id == "" {
		id = intent.ID
	}
	return PaymentEvent{
		Provider:          intent.Provider,
		ProviderPaymentID: id,
		ReportedStatus:    report.ReportedStatus,
		Status:            report.Status,
		AmountMinorUnits:  report.AmountMinorUnits,
		Currency:          report.Currency,
		Metadata:          report.Metadata,
		RawPayload:        report.Raw,
		ReceivedVia:       via,
		ReceivedAt:        at.UTC(),
	}
}

// Action is the outcome of applying a PaymentEvent.
type Action string

const (
	ActionApplied Action = "APPLIED"
	ActionNoOp    Action = "NO_OP"
)

// ReconcileResult reports what the reconciliation engine did with an event.
// Idempotent repeats and conflicts are results, never errors.
type ReconcileResult struct {
	Action      Action `json:"action"`
	OrderRef    string `json:"orderRef,omitempty"`
	OrderStatus string `json:"orderStatus,omitempty"`
	Conflict    bool   `json:"conflict,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Reconciler applies payment outcomes to orders.
type Reconciler interface {
	Apply(ctx context.Context, ev PaymentEvent) (ReconcileResult, error)
}

// VerificationScheduler arranges a server-side status check for an intent that
// may never receive a webhook.
type VerificationScheduler interface {
	ScheduleVerification(ctx context.Context, provider Provider, intentID string) error
}
