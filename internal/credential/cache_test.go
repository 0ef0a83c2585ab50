package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGetCollapsesConcurrentRefreshes(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	cache := NewCache(zerolog.Nop())
	cache.Register("bill_gateway", FetcherFunc(func(ctx context.Context) (Grant, error) {
		calls.Add(1)
		<-release
		return Grant{Value: "tok-1", Lifetime: 24 * time.Hour}, nil
	}))

	const callers = 50
	var wg sync.WaitGroup
	results := make([]Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background(), "bill_gateway")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "tok-1", results[i].Value)
	}
}

func TestGetServesCachedTokenUntilRetentionElapses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	cache := NewCache(zerolog.Nop())
	cache.Now = func() time.Time { return now }
	cache.Register("bill_gateway", FetcherFunc(func(ctx context.Context) (Grant, error) {
		n := calls.Add(1)
		return Grant{Value: "tok-" + string(rune('0'+n)), Lifetime: 24 * time.Hour}, nil
	}))

	tok, err := cache.Get(context.Background(), "bill_gateway")
	require.NoError(t, err)
	require.Equal(t, now.Add(23*time.Hour), tok.ExpiresAt)

	now = now.Add(22 * time.Hour)
	again, err := cache.Get(context.Background(), "bill_gateway")
	require.NoError(t, err)
	require.Equal(t, tok.Value, again.Value)
	require.Equal(t, int32(1), calls.Load())

	now = now.Add(time.Hour)
	fresh, err := cache.Get(context.Background(), "bill_gateway")
	require.NoError(t, err)
	require.NotEqual(t, tok.Value, fresh.Value)
	require.Equal(t, int32(2), calls.Load())
}

func TestInvalidateIgnoresTokenAlreadyReplaced(t *testing.T) {
	var calls atomic.Int32
	cache := NewCache(zerolog.Nop())
	cache.Register("bill_gateway", FetcherFunc(func(ctx context.Context) (Grant, error) {
		n := calls.Add(1)
		return Grant{Value: "tok-" + string(rune('0'+n)), Lifetime: time.Hour}, nil
	}))

	first, err := cache.Get(context.Background(), "bill_gateway")
	require.NoError(t, err)
	second, err := cache.ForceRefresh(context.Background(), "bill_gateway", first)
	require.NoError(t, err)
	require.NotEqual(t, first.Value, second.Value)

	// a late caller still holding the first token must not evict the second
	cache.Invalidate("bill_gateway", first)
	cur, err := cache.Get(context.Background(), "bill_gateway")
	require.NoError(t, err)
	require.Equal(t, second.Value, cur.Value)
	require.Equal(t, int32(2), calls.Load())
}

func TestGetReturnsCredentialErrorOnFetchFailure(t *testing.T) {
	cache := NewCache(zerolog.Nop())
	cache.Register("bill_gateway", FetcherFunc(func(ctx context.Context) (Grant, error) {
		return Grant{}, errors.New("connection refused")
	}))

	_, err := cache.Get(context.Background(), "bill_gateway")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCredential)
	var credErr *Error
	require.ErrorAs(t, err, &credErr)
	require.Equal(t, "bill_gateway", credErr.Provider)
}

func TestGetUnknownProvider(t *testing.T) {
	cache := NewCache(zerolog.Nop())
	_, err := cache.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrCredential)
}

func TestCallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	release := make(chan struct{})
	var fetchErr atomic.Value
	cache := NewCache(zerolog.Nop())
	cache.Register("bill_gateway", FetcherFunc(func(ctx context.Context) (Grant, error) {
		select {
		case <-release:
		case <-ctx.Done():
			fetchErr.Store(ctx.Err())
			return Grant{}, ctx.Err()
		}
		return Grant{Value: "shared", Lifetime: time.Hour}, nil
	}))

	impatient, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(impatient, "bill_gateway")
		done <- err
	}()

	patient := make(chan Token, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		tok, _ := cache.Get(context.Background(), "bill_gateway")
		patient <- tok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	select {
	case tok := <-patient:
		require.Equal(t, "shared", tok.Value)
	case <-time.After(time.Second):
		t.Fatal("patient caller never received token")
	}
	require.Nil(t, fetchErr.Load())
}

func TestRejectsEmptyGrant(t *testing.T) {
	cache := NewCache(zerolog.Nop())
	cache.Register("bill_gateway", FetcherFunc(func(ctx context.Context) (Grant, error) {
		return Grant{Value: "", Lifetime: time.Hour}, nil
	}))
	_, err := cache.Get(context.Background(), "bill_gateway")
	require.ErrorIs(t, err, ErrCredential)
}
