package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/queue"
)

// TaskVerify is the queue kind carrying server-side verification jobs.
const TaskVerify = "payment-verify"

// Enqueuer accepts background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Locker serialises verification of one intent across workers.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

type verifyPayload struct {
	Provider payment.Provider `json:"provider"`
	IntentID string           `json:"intentId"`
}

// Scheduler queues a server-side check so a payment resolves even when the
// customer never returns to the processing page.
type Scheduler struct {
	Queue       Enqueuer
	Delay       time.Duration
	MaxAttempts int
}

var _ payment.VerificationScheduler = Scheduler{}

// ScheduleVerification enqueues one verification per intent; repeats while a
// job is pending are dropped by the queue's dedup key.
func (s Scheduler) ScheduleVerification(ctx context.Context, provider payment.Provider, intentID string) error {
	if s.Queue == nil {
		return errors.New("poller: verification queue not configured")
	}
	if provider == "" || intentID == "" {
		return errors.New("poller: provider and intent id are required")
	}
	raw, err := json.Marshal(verifyPayload{Provider: provider, IntentID: intentID})
	if err != nil {
		return err
	}
	return s.Queue.Enqueue(ctx, queue.Task{
		Kind:           TaskVerify,
		Payload:        raw,
		IdempotencyKey: provider.String() + ":" + intentID,
		MaxAttempts:    s.MaxAttempts,
		Delay:          s.Delay,
	})
}

// Verifier is the queue handler for TaskVerify.
type Verifier struct {
	Poller   *Poller
	Lock     Locker
	LockTTL  time.Duration
	Interval time.Duration
	MaxWait  time.Duration
	Logger   zerolog.Logger
}

// Handle polls the intent in the task until terminal. A timeout is returned
// so the queue retries with backoff and eventually dead-letters the job.
func (v Verifier) Handle(ctx context.Context, t queue.Task) error {
	if v.Poller == nil {
		return errors.New("poller: verifier not configured")
	}
	var p verifyPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		v.Logger.Error().Err(err).Str("task_key", t.IdempotencyKey).Msg("payment_verify_bad_payload")
		return nil
	}
	provider, err := payment.ParseProvider(p.Provider.String())
	if err != nil || p.IntentID == "" {
		v.Logger.Error().Str("task_key", t.IdempotencyKey).Msg("payment_verify_bad_payload")
		return nil
	}

	run := func(ctx context.Context) error {
		out, err := v.Poller.PollUntilTerminal(ctx, provider, p.IntentID, v.Interval, v.MaxWait)
		if err != nil {
			return err
		}
		v.Logger.Info().
			Str("provider", provider.String()).
			Str("intent_id", p.IntentID).
			Str("order_ref", out.OrderRef).
			Str("status", string(out.Status)).
			Str("action", string(out.Result.Action)).
			Int("attempts", out.Attempts).
			Msg("payment_verified")
		return nil
	}

	if v.Lock != nil {
		ttl := v.LockTTL
		if floor := v.MaxWait + time.Minute; ttl < floor {
			ttl = floor
		}
		err = v.Lock.WithLock(ctx, "verify:"+provider.String()+":"+p.IntentID, ttl, run)
	} else {
		err = run(ctx)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, payment.ErrIntentNotFound):
		v.Logger.Warn().Str("provider", provider.String()).Str("intent_id", p.IntentID).Msg("payment_verify_intent_missing")
		return nil
	case errors.Is(err, payment.ErrPollTimeout):
		v.Logger.Info().Err(err).Str("intent_id", p.IntentID).Int("attempt", t.Attempt).Msg("payment_verify_pending")
		return err
	default:
		return fmt.Errorf("verify %s/%s: %w", provider, p.IntentID, err)
	}
}
