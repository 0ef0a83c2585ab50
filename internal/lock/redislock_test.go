package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithLockSerialisesHolders(t *testing.T) {
	_, client := newRedis(t)
	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})

	go func() {
		_ = locker.WithLock(ctx, "order:ORD-1", time.Second, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
	}()

	<-firstDone

	go func() {
		_ = locker.WithLock(ctx, "order:ORD-1", time.Second, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"first"}, order)
	mu.Unlock()
	close(releaseFirst)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockReleasesKey(t *testing.T) {
	mr, client := newRedis(t)
	locker := lock.Locker{R: client, Prefix: "pb"}
	require.NoError(t, locker.WithLock(context.Background(), "order:ORD-2", time.Second, func(context.Context) error {
		require.True(t, mr.Exists("pb:lock:order:ORD-2"))
		return nil
	}))
	require.False(t, mr.Exists("pb:lock:order:ORD-2"))
}

func TestWithLockGivesUpOnContext(t *testing.T) {
	mr, client := newRedis(t)
	require.NoError(t, mr.Set("lock:busy", "someone-else"))
	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := locker.WithLock(ctx, "busy", time.Second, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ran.Load())
	got, _ := mr.Get("lock:busy")
	require.Equal(t, "someone-else", got)
}

func TestKeyedMutexExclusivePerKey(t *testing.T) {
	var km lock.KeyedMutex
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = km.WithLock(context.Background(), "ORD-1", 0, func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxInside.Load())
	require.Zero(t, km.Len())
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	var km lock.KeyedMutex
	hold := make(chan struct{})
	go func() {
		_ = km.WithLock(context.Background(), "ORD-A", 0, func(context.Context) error {
			<-hold
			return nil
		})
	}()
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, km.WithLock(ctx, "ORD-B", 0, func(context.Context) error { return nil }))
}

func TestWithLockRenewsWhileHeld(t *testing.T) {
	mr, client := newRedis(t)
	locker := lock.Locker{R: client}
	require.NoError(t, locker.WithLock(context.Background(), "verify:pi_1", 60*time.Millisecond, func(context.Context) error {
		time.Sleep(150 * time.Millisecond)
		require.True(t, mr.Exists("lock:verify:pi_1"))
		return nil
	}))
	require.False(t, mr.Exists("lock:verify:pi_1"))
}

func TestWithLockReportsLostOwnership(t *testing.T) {
	mr, client := newRedis(t)
	locker := lock.Locker{R: client}
	err := locker.WithLock(context.Background(), "order:ORD-3", 60*time.Millisecond, func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:order:ORD-3", "intruder"))
		<-ctx.Done()
		return nil
	})
	require.ErrorIs(t, err, lock.ErrLost)
	got, _ := mr.Get("lock:order:ORD-3")
	require.Equal(t, "intruder", got)
}
