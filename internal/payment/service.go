package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paybridge/internal/obs"
)

// Service coordinates intent creation and the client-facing status paths.
type Service struct {
	Adapters   Registry
	Normalizer Normalizer
	Intents    IntentStore
	Engine     Reconciler
	// Verifier schedules server-side checks; nil disables them.
	Verifier VerificationScheduler
	Logger   zerolog.Logger
	Now      func() time.Time
}

// StatusView is the status boundary consumed by processing pages.
type StatusView struct {
	IntentID    string       `json:"intentId"`
	Provider    Provider     `json:"provider"`
	OrderRef    string       `json:"orderRef"`
	Status      IntentStatus `json:"status"`
	Terminal    bool         `json:"terminal"`
	OrderStatus string       `json:"orderStatus,omitempty"`
}

func viewOf(intent PaymentIntent) StatusView {
	return StatusView{
		IntentID: intent.ID,
		Provider: intent.Provider,
		OrderRef: intent.OrderRef,
		Status:   intent.Status,
		Terminal: intent.Status.Terminal(),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) configured() error {
	if s == nil || s.Adapters == nil || s.Intents == nil {
		return errors.New("payment service not configured")
	}
	return nil
}

// CreateIntent validates in, then opens (or reuses) a provider payment.
func (s *Service) CreateIntent(ctx context.Context, in IntentInput) (PaymentIntent, error) {
	if err := s.configured(); err != nil {
		return PaymentIntent{}, err
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateIntent")
	defer span.End()

	start := s.now()
	providerLabel := "unknown"
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerLabel),
			attribute.String("payment.intent.result", result),
			attribute.Float64("payment.intent.duration_ms", obs.DurationMillis(s.now().Sub(start))),
		)
		obs.IncCounter(obs.PaymentIntentTotal, providerLabel, result)
	}()

	req, err := s.Normalizer.Normalize(in)
	if err != nil {
		result = "invalid"
		return PaymentIntent{}, err
	}
	providerLabel = req.Provider.String()
	span.SetAttributes(attribute.String("order.ref", req.OrderRef))

	adapter, err := s.Adapters.Get(req.Provider)
	if err != nil {
		return PaymentIntent{}, err
	}

	if existing, ok, err := s.Intents.FindLive(ctx, req.Provider, req.OrderRef); err != nil {
		return PaymentIntent{}, fmt.Errorf("lookup live intent: %w", err)
	} else if ok && existing.AmountMinorUnits == req.AmountMinorUnits && existing.Currency == req.Currency {
		result = "reused"
		return existing, nil
	}

	intent, err := adapter.CreatePayment(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrGateway) {
			result = "gateway_error"
		}
		return PaymentIntent{}, err
	}
	now := s.now().UTC()
	intent.CreatedAt, intent.UpdatedAt = now, now
	if err := s.Intents.Save(ctx, intent); err != nil {
		return PaymentIntent{}, fmt.Errorf("save intent: %w", err)
	}
	result = "created"

	s.Logger.Info().
		Str("provider", providerLabel).
		Str("order_ref", intent.OrderRef).
		Str("intent_id", intent.ID).
		Int64("amount_minor", intent.AmountMinorUnits).
		Str("currency", intent.Currency).
		Msg("payment_intent_created")

	s.scheduleVerification(ctx, intent)
	return intent, nil
}

// Lookup returns the stored intent.
func (s *Service) Lookup(ctx context.Context, provider Provider, id string) (PaymentIntent, error) {
	if err := s.configured(); err != nil {
		return PaymentIntent{}, err
	}
	return s.Intents.Get(ctx, provider, id)
}

// Status reports the current state, asking the provider when the stored
// intent is not yet terminal. A terminal answer is reconciled as a poll.
func (s *Service) Status(ctx context.Context, provider Provider, id string) (StatusView, error) {
	return s.observe(ctx, provider, id, ViaPoll)
}

// HandleReturn re-verifies an intent when the customer is redirected back.
// Query parameters on the redirect are never trusted; a still-pending
// payment is handed to server-side verification.
func (s *Service) HandleReturn(ctx context.Context, provider Provider, id string) (StatusView, error) {
	view, err := s.observe(ctx, provider, id, ViaClientRedirect)
	if err != nil {
		return view, err
	}
	if !view.Terminal {
		s.scheduleVerification(ctx, PaymentIntent{ID: view.IntentID, Provider: view.Provider, OrderRef: view.OrderRef})
	}
	return view, nil
}

func (s *Service) observe(ctx context.Context, provider Provider, id string, via Channel) (StatusView, error) {
	if err := s.configured(); err != nil {
		return StatusView{}, err
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Observe")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", provider.String()), attribute.String("payment.via", string(via)))

	intent, err := s.Intents.Get(ctx, provider, id)
	if err != nil {
		return StatusView{}, err
	}
	view := viewOf(intent)
	if view.Terminal {
		return view, nil
	}
	adapter, err := s.Adapters.Get(provider)
	if err != nil {
		return StatusView{}, err
	}
	report, err := adapter.GetStatus(ctx, intent)
	if err != nil {
		span.RecordError(err)
		return StatusView{}, err
	}
	view.Status = report.Status
	view.Terminal = report.Status.Terminal()
	if report.Status == intent.Status || s.Engine == nil {
		return view, nil
	}
	res, err := s.Engine.Apply(ctx, EventFromReport(intent, report, via, s.now()))
	if err != nil {
		return StatusView{}, err
	}
	view.OrderStatus = res.OrderStatus
	return view, nil
}

// UpdatePaymentMethod rebinds a pending intent to another instrument.
func (s *Service) UpdatePaymentMethod(ctx context.Context, provider Provider, id, method string) (PaymentIntent, error) {
	if err := s.configured(); err != nil {
		return PaymentIntent{}, err
	}
	adapter, err := s.Adapters.Get(provider)
	if err != nil {
		return PaymentIntent{}, err
	}
	updater, ok := adapter.(MethodUpdater)
	if !ok {
		return PaymentIntent{}, invalid("provider", provider.String()+" does not support changing the payment method")
	}
	intent, err := s.Intents.Get(ctx, provider, id)
	if err != nil {
		return PaymentIntent{}, err
	}
	updated, err := updater.UpdatePaymentMethod(ctx, intent, method)
	if err != nil {
		return PaymentIntent{}, err
	}
	if err := s.Intents.Save(ctx, updated); err != nil {
		return PaymentIntent{}, fmt.Errorf("save intent: %w", err)
	}
	s.Logger.Info().Str("provider", provider.String()).Str("intent_id", id).Msg("payment_method_updated")
	return updated, nil
}

func (s *Service) scheduleVerification(ctx context.Context, intent PaymentIntent) {
	if s.Verifier == nil {
		return
	}
	if err := s.Verifier.ScheduleVerification(ctx, intent.Provider, intent.ID); err != nil {
		s.Logger.Warn().Err(err).
			Str("provider", intent.Provider.String()).
			Str("intent_id", intent.ID).
			Msg("payment_verification_schedule_failed")
	}
}
