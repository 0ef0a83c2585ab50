// Package poller resolves pending payments by asking the provider on a fixed
// schedule until it reports a terminal status or the wait budget runs out.
package poller

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
	"github.com/noah-isme/paybridge/internal/payment"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxWait     = 2 * time.Minute
	DefaultCallTimeout = 10 * time.Second
)

// TimeoutError reports that the wait budget elapsed before the provider
// returned a terminal status. It is not a payment failure.
type TimeoutError struct {
	Ref      string
	Attempts int
	Waited   time.Duration
	// Last is the most recent status call error, if any.
	Last error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("poll %s: no terminal status after %d attempts in %s", e.Ref, e.Attempts, e.Waited.Round(time.Millisecond))
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == payment.ErrPollTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// Outcome describes a poll that reached a terminal status.
type Outcome struct {
	IntentID string                  `json:"intentId"`
	Provider payment.Provider        `json:"provider"`
	OrderRef string                  `json:"orderRef"`
	Status   payment.IntentStatus    `json:"status"`
	Attempts int                     `json:"attempts"`
	Result   payment.ReconcileResult `json:"result"`
}

// Poller issues status calls and forwards the first terminal answer to the engine.
type Poller struct {
	Adapters payment.Registry
	Intents  payment.IntentStore
	Engine   payment.Reconciler
	// CallTimeout bounds each status call. A call never runs past the wait budget.
	CallTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// PollUntilTerminal asks the provider for intentID every interval until the
// payment is terminal or maxWait has elapsed. At most ceil(maxWait/interval)+1
// status calls are made. When ctx is cancelled no further calls are made and
// no event is emitted.
func (p *Poller) PollUntilTerminal(ctx context.Context, provider payment.Provider, intentID string, interval, maxWait time.Duration) (Outcome, error) {
	if p == nil || p.Adapters == nil || p.Intents == nil || p.Engine == nil {
		return Outcome{}, errors.New("poller: not configured")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	ctx, span := otel.Tracer("poller").Start(ctx, "Poller.PollUntilTerminal")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", provider.String()),
		attribute.String("payment.intent_id", intentID),
		attribute.Int64("poll.interval_ms", interval.Milliseconds()),
		attribute.Int64("poll.max_wait_ms", maxWait.Milliseconds()),
	)

	out, err := p.poll(ctx, provider, intentID, interval, maxWait)
	result := "terminal"
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrPollTimeout):
		result = "timeout"
	case ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	obs.IncCounter(obs.PaymentPollTotal, provider.String(), result)
	if obs.PaymentPollAttempts != nil {
		obs.PaymentPollAttempts.WithLabelValues(provider.String()).Observe(float64(out.Attempts))
	}
	span.SetAttributes(attribute.String("poll.result", result), attribute.Int("poll.attempts", out.Attempts))
	return out, err
}

func (p *Poller) poll(ctx context.Context, provider payment.Provider, intentID string, interval, maxWait time.Duration) (Outcome, error) {
	adapter, err := p.Adapters.Get(provider)
	if err != nil {
		return Outcome{}, err
	}
	intent, err := p.Intents.Get(ctx, provider, intentID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{IntentID: intent.ID, Provider: provider, OrderRef: intent.OrderRef, Status: intent.Status}
	if intent.Status.Terminal() {
		return out, nil
	}

	callTimeout := p.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	start := p.now()
	deadline := start.Add(maxWait)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		budget := min(callTimeout, deadline.Sub(p.now()))
		if budget <= 0 {
			return out, &TimeoutError{Ref: intentID, Attempts: out.Attempts, Waited: p.now().Sub(start), Last: lastErr}
		}
		out.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, budget)
		report, err := adapter.GetStatus(callCtx, intent)
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		switch {
		case err != nil && !retryable(err):
			return out, err
		case err != nil:
			lastErr = err
			p.Logger.Debug().Err(err).Str("intent_id", intentID).Int("attempt", out.Attempts).Msg("payment_poll_status_failed")
		case report.Status.Terminal():
			out.Status = report.Status
			res, err := p.Engine.Apply(ctx, payment.EventFromReport(intent, report, payment.ViaPoll, p.now()))
			if err != nil {
				return out, err
			}
			out.Result = res
			return out, nil
		default:
			out.Status = report.Status
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return out, &TimeoutError{Ref: intentID, Attempts: out.Attempts, Waited: p.now().Sub(start), Last: lastErr}
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-timer.C:
		}
	}
}

// retryable reports whether a failed status call may succeed on the next tick.
func retryable(err error) bool {
	switch {
	case errors.Is(err, payment.ErrIntentNotFound),
		errors.Is(err, payment.ErrGatewayAuth),
		errors.Is(err, payment.ErrValidation),
		errors.Is(err, payment.ErrUnsupportedProvider):
		return false
	}
	var gwErr *payment.GatewayError
	if errors.As(err, &gwErr) && gwErr.StatusCode >= 400 && gwErr.StatusCode < 500 && gwErr.StatusCode != 429 {
		return false
	}
	return true
}
