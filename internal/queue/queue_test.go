package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/queue"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func runWorker(t *testing.T, ctx context.Context, w queue.Worker) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	return done
}

func TestEnqueueDequeue(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte(`{"n":1}`), IdempotencyKey: "1"}))

	processed := make(chan queue.Task, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "test",
		Kind:         "demo",
		PollInterval: 10 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			processed <- task
			return nil
		},
	})

	select {
	case task := <-processed:
		require.JSONEq(t, `{"n":1}`, string(task.Payload))
		require.Equal(t, 1, task.Attempt)
		require.Equal(t, "1", task.IdempotencyKey)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for task")
	}
	cancel()
	<-done

	// acknowledged tasks release their dedup key
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "demo", IdempotencyKey: "1"}))
	depth, err := enq.Depth(context.Background(), "demo")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestEnqueueDeduplicatesPendingTasks(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "payment-verify", IdempotencyKey: "card_rail:pi_1", Delay: time.Minute}))
	}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "payment-verify", IdempotencyKey: "card_rail:pi_2", Delay: time.Minute}))

	depth, err := enq.Depth(ctx, "payment-verify")
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)
}

func TestEnqueueRejectsBadKind(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{}))
}

func TestDelayedTaskWaitsUntilDue(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "delay"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enqueuedAt := time.Now()
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Delay: 200 * time.Millisecond}))

	got := make(chan time.Time, 1)
	done := runWorker(t, ctx, queue.Worker{
		R: client, Prefix: "delay", Kind: "demo", PollInterval: 10 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			got <- time.Now()
			return nil
		},
	})

	select {
	case at := <-got:
		require.GreaterOrEqual(t, at.Sub(enqueuedAt), 200*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never ran")
	}
	cancel()
	<-done
}

func TestWorkerRetries(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var attempts atomic.Int32
	succeeded := make(chan int, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "retry",
		Kind:         "demo",
		RetryBase:    5 * time.Millisecond,
		RetryJitter:  0.1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			succeeded <- task.Attempt
			return nil
		},
	})

	select {
	case attempt := <-succeeded:
		require.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry in time")
	}
	cancel()
	<-done
}

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client := newRedis(t)
	store := &queue.MemoryStore{}
	enq := queue.Enqueuer{R: client, Prefix: "dlq"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "dlq",
		Kind:         "payment-verify",
		RetryBase:    10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Store:        store,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("still pending")
		},
	})

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{
		Kind: "payment-verify", Payload: []byte(`{"intentId":"pi_1"}`), IdempotencyKey: "card_rail:pi_1", MaxAttempts: 2,
	}))

	require.Eventually(t, func() bool {
		count, err := store.CountQueueDlq(context.Background(), "payment-verify")
		return err == nil && count == 1
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	entries, err := store.ListQueueDlq(context.Background(), "payment-verify", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "card_rail:pi_1", entries[0].IdempotencyKey)
	require.Equal(t, 2, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	require.Equal(t, "still pending", *entries[0].LastError)

	exists, err := client.Exists(context.Background(), "dlq:queue:dedup:payment-verify:card_rail:pi_1").Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestExpiredClaimIsRedelivered(t *testing.T) {
	client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// claimed by a worker that died before settling; its deadline has passed
	raw, err := json.Marshal(map[string]any{
		"kind": "demo", "key": "orphan", "payload": []byte("x"), "attempt": 0, "max_attempts": 5,
		"available_at": time.Now().Add(-time.Minute).UnixNano(),
	})
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, "vis:queue:demo:processing", redis.Z{
		Score: float64(time.Now().Add(-time.Second).UnixNano()), Member: string(raw),
	}).Err())

	attempts := make(chan int, 1)
	done := runWorker(t, ctx, queue.Worker{
		R: client, Prefix: "vis", Kind: "demo", PollInterval: 10 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			attempts <- task.Attempt
			return nil
		},
	})

	select {
	case attempt := <-attempts:
		require.Equal(t, 2, attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("expired task was not redelivered")
	}
	cancel()
	<-done
}

func TestSoftDeadlineCancelsHandler(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "soft"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", MaxAttempts: 3}))

	attempts := make(chan int, 3)
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "soft",
		Kind:              "demo",
		VisibilityTimeout: time.Second,
		SoftDeadline:      50 * time.Millisecond,
		RetryBase:         10 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt == 1 {
				<-jobCtx.Done()
				return jobCtx.Err()
			}
			return nil
		},
	})

	require.Eventually(t, func() bool { return len(attempts) >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts)
}
