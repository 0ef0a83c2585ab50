// Package order is the boundary to the order record. The reconciliation
// engine is the only writer of payment state; it goes through Store.
package order

import (
	"context"
	"errors"
	"time"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPendingPayment   Status = "PENDING_PAYMENT"
	StatusPaid             Status = "PAID"
	StatusPaymentFailed    Status = "PAYMENT_FAILED"
	StatusPaymentCancelled Status = "PAYMENT_CANCELLED"
	StatusFulfilling       Status = "FULFILLING"
	StatusCompleted        Status = "COMPLETED"
)

// Paid reports whether a confirmed payment is part of the order's history.
// A paid order is never moved back to a pre-payment state.
func (s Status) Paid() bool {
	switch s {
	case StatusPaid, StatusFulfilling, StatusCompleted:
		return true
	}
	return false
}

// Unsuccessful reports whether the last payment attempt failed or was cancelled.
func (s Status) Unsuccessful() bool {
	return s == StatusPaymentFailed || s == StatusPaymentCancelled
}

func rank(s Status) int {
	switch s {
	case StatusPendingPayment, StatusPaymentFailed, StatusPaymentCancelled:
		return 0
	case StatusPaid:
		return 1
	case StatusFulfilling:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

var (
	ErrNotFound          = errors.New("order: not found")
	ErrExists            = errors.New("order: already exists")
	ErrInvalidTransition = errors.New("order: transition not allowed")
	ErrStoreUnavailable  = errors.New("order: store unavailable")
)

// Order is the payment-relevant view of an order.
type Order struct {
	Ref              string     `json:"orderRef"`
	Status           Status     `json:"status"`
	AmountMinorUnits int64      `json:"amountMinorUnits"`
	Currency         string     `json:"currency"`
	PaymentID        string     `json:"paymentId,omitempty"`
	PaymentProvider  string     `json:"paymentProvider,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Outcome is a payment result to write. Expected is the status the caller
// read under its lock; the write is refused when the order moved since.
type Outcome struct {
	Status    Status
	Expected  Status
	PaymentID string
	Provider  string
	PaidAt    time.Time
}

// SideEffect is a record created together with a transition. Kind is unique
// per order, so replaying the same effect cannot create a second record.
type SideEffect struct {
	Kind    string
	Payload []byte
}

// EffectCommission is the one side effect recorded when an order is paid.
const EffectCommission = "commission"

// ApplyResult reports whether the outcome was written.
type ApplyResult string

const (
	Committed ApplyResult = "committed"
	Conflict  ApplyResult = "conflict"
)

// Applied carries the result of ApplyPaymentOutcome and the order afterwards.
type Applied struct {
	Result ApplyResult
	Order  Order
}

// Store is the transactional order boundary.
type Store interface {
	GetOrder(ctx context.Context, ref string) (Order, error)
	// ApplyPaymentOutcome writes the status and every side effect atomically,
	// or nothing at all.
	ApplyPaymentOutcome(ctx context.Context, ref string, outcome Outcome, effects []SideEffect) (Applied, error)
}

// AdminStore adds the operations used by back-office endpoints.
type AdminStore interface {
	Store
	CreatePending(ctx context.Context, o Order) (Order, error)
	Advance(ctx context.Context, ref string, to Status) (Order, error)
}

// CanAdvance reports whether fulfilment may move an order from -> to.
func CanAdvance(from, to Status) bool {
	if to != StatusFulfilling && to != StatusCompleted {
		return false
	}
	return from.Paid() && rank(to) == rank(from)+1
}
