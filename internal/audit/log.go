// Package audit keeps the append-only record of payment events and of the
// conflicts the reconciliation engine set aside for manual review.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/payment"
)

// ErrStoreUnavailable indicates the audit store is not configured.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// EventRecord is one received PaymentEvent.
type EventRecord struct {
	ID                uuid.UUID `json:"id"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"providerPaymentId"`
	OrderRef          string    `json:"orderRef,omitempty"`
	ReportedStatus    string    `json:"reportedStatus"`
	Status            string    `json:"status"`
	ReceivedVia       string    `json:"receivedVia"`
	AmountMinorUnits  int64     `json:"amountMinorUnits,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	Payload           []byte    `json:"payload,omitempty"`
	RequestID         string    `json:"requestId,omitempty"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

// Conflict reasons.
const (
	ReasonDowngrade        = "failure_after_success"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonCurrencyMismatch = "currency_mismatch"
	ReasonOrderRefMismatch = "order_ref_mismatch"
	ReasonUnresolvedOrder  = "order_unresolved"
	ReasonOrderNotFound    = "order_not_found"
	ReasonStaleWrite       = "order_changed_during_apply"
	ReasonSecondPayment    = "second_successful_payment"
)

// Conflict is an event the engine refused to apply.
type Conflict struct {
	ID                uuid.UUID         `json:"id"`
	OrderRef          string            `json:"orderRef,omitempty"`
	Provider          string            `json:"provider"`
	ProviderPaymentID string            `json:"providerPaymentId"`
	Reason            string            `json:"reason"`
	OrderStatus       string            `json:"orderStatus,omitempty"`
	EventStatus       string            `json:"eventStatus"`
	ReceivedVia       string            `json:"receivedVia"`
	Details           map[string]string `json:"details,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	OrderRef          string
	ProviderPaymentID string
	Limit             int
	Offset            int
}

// Store persists audit records. Records are never updated or deleted.
type Store interface {
	InsertEvent(ctx context.Context, rec EventRecord) error
	InsertConflict(ctx context.Context, c Conflict) error
	ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error)
	ListConflicts(ctx context.Context, limit, offset int) ([]Conflict, error)
}

// Log records payment events and conflicts.
type Log struct {
	Store  Store
	Logger zerolog.Logger
	Now    func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// RecordEvent appends ev. orderRef may be empty when it could not be resolved yet.
func (l Log) RecordEvent(ctx context.Context, ev payment.PaymentEvent, orderRef string) error {
	if l.Store == nil {
		return ErrStoreUnavailable
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = l.now()
	}
	if orderRef == "" {
		orderRef = ev.OrderRef()
	}
	return l.Store.InsertEvent(ctx, EventRecord{
		ID:                uuid.New(),
		Provider:          ev.Provider.String(),
		ProviderPaymentID: strings.TrimSpace(ev.ProviderPaymentID),
		OrderRef:          orderRef,
		ReportedStatus:    ev.ReportedStatus,
		Status:            string(ev.Status),
		ReceivedVia:       string(ev.ReceivedVia),
		AmountMinorUnits:  ev.AmountMinorUnits,
		Currency:          ev.Currency,
		Payload:           ev.RawPayload,
		RequestID:         middleware.GetReqID(ctx),
		ReceivedAt:        receivedAt.UTC(),
	})
}

// RecordConflict stores c for manual review and logs it.
func (l Log) RecordConflict(ctx context.Context, c Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.now().UTC()
	}
	l.Logger.Warn().
		Str("order_ref", c.OrderRef).
		Str("provider", c.Provider).
		Str("provider_payment_id", c.ProviderPaymentID).
		Str("reason", c.Reason).
		Str("order_status", c.OrderStatus).
		Str("event_status", c.EventStatus).
		Msg("reconciliation_conflict")
	if l.Store == nil {
		return ErrStoreUnavailable
	}
	return l.Store.InsertConflict(ctx, c)
}
