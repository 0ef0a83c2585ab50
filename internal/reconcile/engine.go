// Package reconcile applies payment outcomes to orders exactly once.
//
// Every event for an order is processed under a lock keyed by its orderRef.
// The current order status is read and the outcome written inside the same
// critical section, so concurrent webhook and poll signals resolve to one
// APPLIED result and NO_OPs.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/events"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/order"
	"github.com/noah-isme/paybridge/internal/payment"
)

// Locker serialises work per key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// AuditLog receives every event and every conflict.
type AuditLog interface {
	RecordEvent(ctx context.Context, ev payment.PaymentEvent, orderRef string) error
	RecordConflict(ctx context.Context, c audit.Conflict) error
}

// Emitter publishes post-commit domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Engine is the only writer of terminal payment state on orders.
type Engine struct {
	Orders  order.Store
	Intents payment.IntentStore
	Audit   AuditLog
	Lock    Locker
	LockTTL time.Duration
	// Events is optional; emission happens after commit and never fails Apply.
	Events Emitter
	Logger zerolog.Logger
	Now    func() time.Time
}

// New constructs an engine serialised by an in-process keyed mutex.
func New(orders order.Store, intents payment.IntentStore, log AuditLog) *Engine {
	return &Engine{Orders: orders, Intents: intents, Audit: log, Lock: &lock.KeyedMutex{}, LockTTL: 30 * time.Second}
}

var _ payment.Reconciler = (*Engine)(nil)

// decision is what the engine resolved to do with an event under the lock.
type decision struct {
	result   payment.ReconcileResult
	conflict *audit.Conflict
	applied  *order.Order
}

// Apply maps ev onto its order. Duplicates and conflicts are reported through
// the result; an error means the event could not be processed and may be retried.
func (e *Engine) Apply(ctx context.Context, ev payment.PaymentEvent) (payment.ReconcileResult, error) {
	if e == nil || e.Orders == nil || e.Lock == nil {
		return payment.ReconcileResult{}, errors.New("reconcile: engine not configured")
	}
	if ev.Provider == "" || strings.TrimSpace(ev.ProviderPaymentID) == "" {
		return payment.ReconcileResult{}, errors.New("reconcile: event needs provider and provider payment id")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}

	ctx, span := otel.Tracer("reconcile.Engine").Start(ctx, "ReconcileEngine.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", ev.Provider.String()),
		attribute.String("payment.id", ev.ProviderPaymentID),
		attribute.String("payment.via", string(ev.ReceivedVia)),
		attribute.String("payment.status", string(ev.Status)),
	)

	res, err := e.apply(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		obs.IncCounter(obs.PaymentReconcileTotal, ev.Provider.String(), string(ev.ReceivedVia), "error")
		return payment.ReconcileResult{}, err
	}
	action := string(res.Action)
	if res.Conflict {
		action = "CONFLICT"
	}
	obs.IncCounter(obs.PaymentReconcileTotal, ev.Provider.String(), string(ev.ReceivedVia), action)
	span.SetAttributes(
		attribute.String("order.ref", res.OrderRef),
		attribute.String("reconcile.action", string(res.Action)),
		attribute.Bool("reconcile.conflict", res.Conflict),
	)
	e.Logger.Info().
		Str("order_ref", res.OrderRef).
		Str("provider", ev.Provider.String()).
		Str("provider_payment_id", ev.ProviderPaymentID).
		Str("received_via", string(ev.ReceivedVia)).
		Str("event_status", string(ev.Status)).
		Str("action", string(res.Action)).
		Str("order_status", res.OrderStatus).
		Bool("conflict", res.Conflict).
		Str("reason", res.Reason).
		Msg("payment_reconciled")
	return res, nil
}

func (e *Engine) apply(ctx context.Context, ev payment.PaymentEvent) (payment.ReconcileResult, error) {
	intent, hasIntent, err := e.lookupIntent(ctx, ev)
	if err != nil {
		return payment.ReconcileResult{}, err
	}

	ref, mismatch := resolveOrderRef(ev, intent, hasIntent)
	e.recordEvent(ctx, ev, ref)

	if mismatch != "" {
		return e.conflict(ctx, ev, "", "", audit.ReasonOrderRefMismatch, map[string]string{
			"metadataOrderRef": ev.OrderRef(),
			"intentOrderRef":   intent.OrderRef,
		}), nil
	}
	if ref == "" {
		return e.conflict(ctx, ev, "", "", audit.ReasonUnresolvedOrder, nil), nil
	}

	if hasIntent && ev.Status == payment.StatusSucceeded {
		if reason, details := amountMismatch(ev, intent.AmountMinorUnits, intent.Currency); reason != "" {
			return e.conflict(ctx, ev, ref, "", reason, details), nil
		}
	}

	if !ev.Status.Terminal() {
		e.syncIntent(ctx, ev, intent, hasIntent)
		return payment.ReconcileResult{Action: payment.ActionNoOp, OrderRef: ref, Reason: "non_terminal"}, nil
	}

	var d decision
	err = e.Lock.WithLock(ctx, "order:"+ref, e.LockTTL, func(ctx context.Context) error {
		var err error
		d, err = e.decideAndWrite(ctx, ev, ref, hasIntent)
		return err
	})
	if err != nil {
		return payment.ReconcileResult{}, fmt.Errorf("reconcile %s: %w", ref, err)
	}

	if d.conflict != nil {
		if recErr := e.recordConflict(ctx, *d.conflict); recErr != nil {
			e.Logger.Error().Err(recErr).Str("order_ref", ref).Msg("reconcile_conflict_not_stored")
		}
	} else {
		e.syncIntent(ctx, ev, intent, hasIntent)
	}
	if d.applied != nil {
		e.emit(ctx, ev, *d.applied)
	}
	return d.result, nil
}

// decideAndWrite runs under the order lock: it reads the order, decides, and
// writes the outcome with its side effects in one store call.
func (e *Engine) decideAndWrite(ctx context.Context, ev payment.PaymentEvent, ref string, hasIntent bool) (decision, error) {
	o, err := e.Orders.GetOrder(ctx, ref)
	if errors.Is(err, order.ErrNotFound) {
		return conflictDecision(ev, ref, "", audit.ReasonOrderNotFound, nil), nil
	}
	if err != nil {
		return decision{}, err
	}
	noop := func(reason string) decision {
		return decision{result: payment.ReconcileResult{
			Action: payment.ActionNoOp, OrderRef: ref, OrderStatus: string(o.Status), Reason: reason,
		}}
	}

	var target order.Status
	var effects []order.SideEffect
	switch ev.Status {
	case payment.StatusSucceeded:
		if o.Status.Paid() {
			if o.PaymentID == "" || o.PaymentID == ev.ProviderPaymentID {
				return noop("already_paid"), nil
			}
			return conflictDecision(ev, ref, o.Status, audit.ReasonSecondPayment, map[string]string{
				"orderPaymentId": o.PaymentID,
			}), nil
		}
		if !hasIntent {
			if reason, details := amountMismatch(ev, o.AmountMinorUnits, o.Currency); reason != "" {
				return conflictDecision(ev, ref, o.Status, reason, details), nil
			}
		}
		target = order.StatusPaid
		effects, err = paidEffects(ev, ref, o)
		if err != nil {
			return decision{}, err
		}
	case payment.StatusFailed, payment.StatusCanceled:
		if o.Status.Paid() {
			return conflictDecision(ev, ref, o.Status, audit.ReasonDowngrade, nil), nil
		}
		if o.Status.Unsuccessful() {
			return noop("already_unsuccessful"), nil
		}
		target = order.StatusPaymentFailed
		if ev.Status == payment.StatusCanceled {
			target = order.StatusPaymentCancelled
		}
	default:
		return noop("non_terminal"), nil
	}

	applied, err := e.Orders.ApplyPaymentOutcome(ctx, ref, order.Outcome{
		Status:    target,
		Expected:  o.Status,
		PaymentID: ev.ProviderPaymentID,
		Provider:  ev.Provider.String(),
		PaidAt:    ev.ReceivedAt,
	}, effects)
	if err != nil {
		return decision{}, err
	}
	if applied.Result == order.Conflict {
		return conflictDecision(ev, ref, applied.Order.Status, audit.ReasonStaleWrite, nil), nil
	}
	after := applied.Order
	return decision{
		result: payment.ReconcileResult{
			Action: payment.ActionApplied, OrderRef: ref, OrderStatus: string(after.Status),
		},
		applied: &after,
	}, nil
}

func paidEffects(ev payment.PaymentEvent, ref string, o order.Order) ([]order.SideEffect, error) {
	amount := ev.AmountMinorUnits
	if amount == 0 {
		amount = o.AmountMinorUnits
	}
	currency := ev.Currency
	if currency == "" {
		currency = o.Currency
	}
	payload, err := json.Marshal(map[string]any{
		"orderRef":         ref,
		"paymentId":        ev.ProviderPaymentID,
		"provider":         ev.Provider,
		"amountMinorUnits": amount,
		"currency":         currency,
		"receivedVia":      ev.ReceivedVia,
	})
	if err != nil {
		return nil, err
	}
	return []order.SideEffect{{Kind: order.EffectCommission, Payload: payload}}, nil
}

func (e *Engine) lookupIntent(ctx context.Context, ev payment.PaymentEvent) (payment.PaymentIntent, bool, error) {
	if e.Intents == nil {
		return payment.PaymentIntent{}, false, nil
	}
	intent, err := e.Intents.Get(ctx, ev.Provider, ev.ProviderPaymentID)
	if errors.Is(err, payment.ErrIntentNotFound) {
		return payment.PaymentIntent{}, false, nil
	}
	if err != nil {
		return payment.PaymentIntent{}, false, fmt.Errorf("reconcile: load intent: %w", err)
	}
	return intent, true, nil
}

// resolveOrderRef trusts metadata for webhooks and the intent store for polls
// and redirects, falling back to the other source. When both are present and
// disagree neither is trusted.
func resolveOrderRef(ev payment.PaymentEvent, intent payment.PaymentIntent, hasIntent bool) (string, string) {
	fromMeta := ev.OrderRef()
	fromIntent := ""
	if hasIntent {
		fromIntent = intent.OrderRef
	}
	if fromMeta != "" && fromIntent != "" && fromMeta != fromIntent {
		return "", audit.ReasonOrderRefMismatch
	}
	if ev.ReceivedVia == payment.ViaWebhook {
		if fromMeta != "" {
			return fromMeta, ""
		}
		return fromIntent, ""
	}
	if fromIntent != "" {
		return fromIntent, ""
	}
	return fromMeta, ""
}

func amountMismatch(ev payment.PaymentEvent, expected int64, currency string) (string, map[string]string) {
	if ev.Currency != "" && currency != "" && !strings.EqualFold(ev.Currency, currency) {
		return audit.ReasonCurrencyMismatch, map[string]string{"expected": currency, "reported": ev.Currency}
	}
	if ev.AmountMinorUnits > 0 && expected > 0 && ev.AmountMinorUnits != expected {
		return audit.ReasonAmountMismatch, map[string]string{
			"expected": fmt.Sprint(expected),
			"reported": fmt.Sprint(ev.AmountMinorUnits),
		}
	}
	return "", nil
}

func conflictDecision(ev payment.PaymentEvent, ref string, status order.Status, reason string, details map[string]string) decision {
	c := newConflict(ev, ref, string(status), reason, details)
	return decision{
		result: payment.ReconcileResult{
			Action: payment.ActionNoOp, OrderRef: ref, OrderStatus: string(status), Conflict: true, Reason: reason,
		},
		conflict: &c,
	}
}

func newConflict(ev payment.PaymentEvent, ref, orderStatus, reason string, details map[string]string) audit.Conflict {
	return audit.Conflict{
		OrderRef:          ref,
		Provider:          ev.Provider.String(),
		ProviderPaymentID: ev.ProviderPaymentID,
		Reason:            reason,
		OrderStatus:       orderStatus,
		EventStatus:       string(ev.Status),
		ReceivedVia:       string(ev.ReceivedVia),
		Details:           details,
	}
}

// conflict records a conflict found before the lock was needed.
func (e *Engine) conflict(ctx context.Context, ev payment.PaymentEvent, ref, orderStatus, reason string, details map[string]string) payment.ReconcileResult {
	if err := e.recordConflict(ctx, newConflict(ev, ref, orderStatus, reason, details)); err != nil {
		e.Logger.Error().Err(err).Str("order_ref", ref).Msg("reconcile_conflict_not_stored")
	}
	return payment.ReconcileResult{Action: payment.ActionNoOp, OrderRef: ref, OrderStatus: orderStatus, Conflict: true, Reason: reason}
}

func (e *Engine) recordConflict(ctx context.Context, c audit.Conflict) error {
	if e.Audit == nil {
		e.Logger.Warn().Str("order_ref", c.OrderRef).Str("reason", c.Reason).Msg("reconciliation_conflict")
		return nil
	}
	return e.Audit.RecordConflict(ctx, c)
}

func (e *Engine) recordEvent(ctx context.Context, ev payment.PaymentEvent, ref string) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.RecordEvent(ctx, ev, ref); err != nil {
		e.Logger.Error().Err(err).Str("provider_payment_id", ev.ProviderPaymentID).Msg("payment_event_audit_failed")
	}
}

// syncIntent moves the stored intent to the reported status. intent may be
// stale; the store re-checks the transition against the current row.
func (e *Engine) syncIntent(ctx context.Context, ev payment.PaymentEvent, intent payment.PaymentIntent, hasIntent bool) {
	if !hasIntent || !intent.Status.CanMoveTo(ev.Status) {
		return
	}
	if err := e.Intents.UpdateStatus(ctx, intent.Provider, intent.ID, ev.Status); err != nil {
		e.Logger.Warn().Err(err).Str("intent_id", intent.ID).Msg("payment_intent_status_update_failed")
	}
}

func (e *Engine) emit(ctx context.Context, ev payment.PaymentEvent, o order.Order) {
	if e.Events == nil {
		return
	}
	var topic string
	switch o.Status {
	case order.StatusPaid:
		topic = events.TopicOrderPaid
	case order.StatusPaymentFailed:
		topic = events.TopicPaymentFailed
	case order.StatusPaymentCancelled:
		topic = events.TopicPaymentCancel
	default:
		return
	}
	payload := map[string]any{
		"orderRef":    o.Ref,
		"orderStatus": o.Status,
		"provider":    ev.Provider,
		"paymentId":   ev.ProviderPaymentID,
		"receivedVia": ev.ReceivedVia,
	}
	if o.PaidAt != nil {
		payload["paidAt"] = o.PaidAt
	}
	if _, err := e.Events.Emit(context.WithoutCancel(ctx), topic, o.Ref, payload); err != nil {
		e.Logger.Warn().Err(err).Str("order_ref", o.Ref).Str("topic", topic).Msg("domain_event_emit_failed")
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
