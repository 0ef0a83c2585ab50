// Package queue runs delayed verification jobs on Redis sorted sets. Jobs are
// claimed atomically, redelivered when a worker stops heartbeating and parked
// in a dead letter store once their attempts are spent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/resilience"
)

const defaultMaxAttempts = 10

// Task is one unit of work as seen by producers and handlers.
type Task struct {
	Kind string
	// Payload is opaque to the queue; handlers decode it.
	Payload []byte
	// IdempotencyKey collapses duplicate enqueues while a task is pending.
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is the 1-based delivery count.
	Attempt int
}

// HandlerFunc processes one task. A non-nil error schedules a retry.
type HandlerFunc func(context.Context, Task) error

// envelope is the member stored in the ready and processing sets. Attempt
// counts finished deliveries, so a claimed task runs as Attempt+1.
type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}

func (e envelope) encode() (string, error) {
	raw, err := json.Marshal(e)
	return string(raw), err
}

func parseEnvelope(raw string) (envelope, error) {
	var e envelope
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

// claimScript moves the earliest due member from the ready set into the
// processing set, scored by its visibility deadline.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

type keyspace string

func (p keyspace) key(parts ...string) string {
	out := "queue"
	if p != "" {
		out = string(p) + ":queue"
	}
	for _, part := range parts {
		out += ":" + part
	}
	return out
}

func (p keyspace) ready(kind string) string      { return p.key(kind) }
func (p keyspace) processing(kind string) string { return p.key(kind, "processing") }
func (p keyspace) deadList(kind string) string   { return p.key(kind, "dlq") }
func (p keyspace) dedup(kind, key string) string { return p.key("dedup", kind, key) }

func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	for _, c := range kind {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == ':') {
			return false
		}
	}
	return true
}

func score(t time.Time) float64 { return float64(t.UnixNano()) }

// Enqueuer schedules tasks.
type Enqueuer struct {
	R        redis.UniversalClient
	Prefix   string
	DedupTTL time.Duration
	// MaxAttempts applies to tasks that do not set their own.
	MaxAttempts int
}

// Enqueue schedules t after t.Delay. A task with an IdempotencyKey is
// accepted once until it is acknowledged or dead-lettered; duplicates return nil.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if !validKind(t.Kind) {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	attempts := t.MaxAttempts
	if attempts <= 0 {
		attempts = e.MaxAttempts
	}
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	due := time.Now().Add(t.Delay)
	env := envelope{
		Kind:        t.Kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     max(t.Attempt, 0),
		MaxAttempts: attempts,
		AvailableAt: due.UnixNano(),
	}
	member, err := env.encode()
	if err != nil {
		return err
	}

	ks := keyspace(e.Prefix)
	if env.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.R.SetNX(ctx, ks.dedup(env.Kind, env.Key), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup %s: %w", env.Key, err)
		}
		if !fresh {
			return nil
		}
	}
	if err := e.R.ZAdd(ctx, ks.ready(env.Kind), redis.Z{Score: score(due), Member: member}).Err(); err != nil {
		if env.Key != "" {
			_ = e.R.Del(ctx, ks.dedup(env.Kind, env.Key)).Err()
		}
		return fmt.Errorf("queue: schedule %s: %w", env.Kind, err)
	}
	return nil
}

// Depth counts scheduled tasks of kind, due or not.
func (e Enqueuer) Depth(ctx context.Context, kind string) (int64, error) {
	if e.R == nil {
		return 0, errors.New("queue: redis client not configured")
	}
	return e.R.ZCard(ctx, keyspace(e.Prefix).ready(kind)).Result()
}

// Worker runs Handler for tasks of one kind.
type Worker struct {
	R           redis.UniversalClient
	Prefix      string
	Kind        string
	Concurrency int
	// VisibilityTimeout is how long a claim is honoured before the task is
	// handed to another worker.
	VisibilityTimeout time.Duration
	Handler           HandlerFunc
	RetryBase         time.Duration
	RetryJitter       float64
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	// SoftDeadline bounds one handler run and never exceeds the visibility timeout.
	SoftDeadline time.Duration
	// Store receives exhausted tasks. Without one they are pushed to a Redis list.
	Store  Store
	Logger zerolog.Logger
}

// Run blocks until ctx is cancelled and then waits for running handlers.
func (w Worker) Run(ctx context.Context) error {
	switch {
	case w.R == nil:
		return errors.New("queue: worker redis client not configured")
	case w.Handler == nil:
		return errors.New("queue: worker handler not configured")
	case !validKind(w.Kind):
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	idle := w.PollInterval
	if idle <= 0 {
		idle = 100 * time.Millisecond
	}
	log := w.Logger.With().Str("kind", w.Kind).Logger()

	slots := make(chan struct{}, max(w.Concurrency, 1))
	var running sync.WaitGroup
	defer running.Wait()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if err := w.redeliverExpired(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("queue_redeliver_failed")
			}
			continue
		case slots <- struct{}{}:
		}

		member, env, err := w.claim(ctx)
		if err != nil || member == "" {
			<-slots
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("queue_claim_failed")
			}
			if !pause(ctx, idle) {
				return nil
			}
			continue
		}

		running.Add(1)
		go func() {
			defer running.Done()
			defer func() { <-slots }()
			w.handle(ctx, member, env)
		}()
	}
}

func (w Worker) claim(ctx context.Context) (string, envelope, error) {
	ks := keyspace(w.Prefix)
	now := time.Now()
	res, err := claimScript.Run(ctx, w.R,
		[]string{ks.ready(w.Kind), ks.processing(w.Kind)},
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(now.Add(w.visibility()).UnixNano(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", envelope{}, nil
	}
	if err != nil {
		return "", envelope{}, err
	}
	env, err := parseEnvelope(res)
	if err != nil {
		w.Logger.Error().Err(err).Str("kind", w.Kind).Msg("queue_message_corrupt")
		_ = w.R.ZRem(ctx, ks.processing(w.Kind), res).Err()
		return "", envelope{}, nil
	}
	return res, env, nil
}

func (w Worker) handle(ctx context.Context, member string, env envelope) {
	runCtx, cancel := context.WithTimeout(ctx, w.softDeadline())
	err := w.Handler(runCtx, Task{
		Kind:           env.Kind,
		Payload:        env.Payload,
		IdempotencyKey: env.Key,
		MaxAttempts:    env.MaxAttempts,
		Attempt:        env.Attempt + 1,
	})
	cancel()

	// the outcome is recorded even while the worker shuts down
	settle, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	ks := keyspace(w.Prefix)
	_ = w.R.ZRem(settle, ks.processing(w.Kind), member).Err()

	env.Attempt++
	if err == nil {
		w.release(settle, env)
		QueueProcessedTotal.WithLabelValues(w.Kind, "ok").Inc()
		return
	}
	env.LastError = err.Error()
	if env.Attempt >= env.MaxAttempts {
		w.bury(settle, env)
		return
	}
	w.retry(settle, env)
}

func (w Worker) retry(ctx context.Context, env envelope) {
	wait := resilience.Backoff(w.RetryBase, env.Attempt, w.RetryJitter)
	if w.MaxBackoff > 0 {
		wait = min(wait, w.MaxBackoff)
	}
	due := time.Now().Add(wait)
	env.AvailableAt = due.UnixNano()
	member, err := env.encode()
	if err == nil {
		err = w.R.ZAdd(ctx, keyspace(w.Prefix).ready(w.Kind), redis.Z{Score: score(due), Member: member}).Err()
	}
	if err != nil {
		w.Logger.Error().Err(err).Str("kind", w.Kind).Str("key", env.Key).Msg("queue_retry_lost")
		return
	}
	QueueProcessedTotal.WithLabelValues(w.Kind, "retry").Inc()
	w.Logger.Debug().Str("kind", w.Kind).Str("key", env.Key).Int("attempt", env.Attempt).
		Str("error", env.LastError).Dur("retry_in", wait).Msg("queue_task_retry")
}

func (w Worker) bury(ctx context.Context, env envelope) {
	member, err := env.encode()
	if err != nil {
		return
	}
	if w.Store != nil {
		reason := env.LastError
		_, err = w.Store.InsertQueueDlq(ctx, DLQEntry{
			Kind:           env.Kind,
			IdempotencyKey: env.Key,
			Payload:        []byte(member),
			Attempts:       env.Attempt,
			LastError:      &reason,
		})
	} else {
		err = w.R.LPush(ctx, keyspace(w.Prefix).deadList(w.Kind), member).Err()
	}
	if err != nil {
		w.Logger.Error().Err(err).Str("kind", w.Kind).Str("key", env.Key).Msg("queue_dead_letter_failed")
		return
	}
	w.release(ctx, env)
	QueueProcessedTotal.WithLabelValues(w.Kind, "dead").Inc()
	w.Logger.Warn().Str("kind", w.Kind).Str("key", env.Key).Int("attempts", env.Attempt).
		Str("last_error", env.LastError).Msg("queue_task_dead_lettered")
}

// release frees the idempotency key so the task may be scheduled again.
func (w Worker) release(ctx context.Context, env envelope) {
	if env.Key != "" {
		_ = w.R.Del(ctx, keyspace(w.Prefix).dedup(w.Kind, env.Key)).Err()
	}
}

// redeliverExpired returns claims whose visibility deadline passed to the
// ready set. The abandoned run counts as an attempt.
func (w Worker) redeliverExpired(ctx context.Context) error {
	ks := keyspace(w.Prefix)
	now := time.Now()
	stale, err := w.R.ZRangeByScore(ctx, ks.processing(w.Kind), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range stale {
		if n, err := w.R.ZRem(ctx, ks.processing(w.Kind), member).Result(); err != nil || n == 0 {
			continue
		}
		env, err := parseEnvelope(member)
		if err != nil {
			continue
		}
		env.Attempt++
		env.AvailableAt = now.UnixNano()
		if env.Attempt >= env.MaxAttempts {
			env.LastError = "visibility timeout expired"
			w.bury(ctx, env)
			continue
		}
		next, err := env.encode()
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, ks.ready(w.Kind), redis.Z{Score: score(now), Member: next}).Err()
		QueueProcessedTotal.WithLabelValues(w.Kind, "redelivered").Inc()
	}
	return nil
}

func (w Worker) visibility() time.Duration {
	if w.VisibilityTimeout > 0 {
		return w.VisibilityTimeout
	}
	return 30 * time.Second
}

func (w Worker) softDeadline() time.Duration {
	if d := w.SoftDeadline; d > 0 && d < w.visibility() {
		return d
	}
	return w.visibility()
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
