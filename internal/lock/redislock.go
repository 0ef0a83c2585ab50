package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned when a lock is used without a backing client.
var ErrNotConfigured = errors.New("lock: redis client not configured")

// ErrLost reports that the key expired or was taken over while fn ran.
var ErrLost = errors.New("lock: ownership lost")

var (
	// unlockScript deletes the key only while it still holds our token.
	unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
	// extendScript pushes the expiry out only while we still own the key.
	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// Locker is a Redis mutex shared by the API and worker processes. While fn
// runs the expiry is renewed at a third of the ttl, so ttl only has to cover
// a holder that died without releasing.
type Locker struct {
	R            redis.UniversalClient
	Prefix       string
	RetryBackoff time.Duration
}

// WithLock waits for key, runs fn and releases the key. fn's context is
// cancelled if ownership is lost, in which case ErrLost is returned unless fn
// failed on its own. Waiting stops with ctx's error and fn never runs.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return ErrNotConfigured
	}
	if fn == nil {
		return errors.New("lock: nil callback")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	name := l.name(key)
	token := uuid.NewString()
	if err := l.acquire(ctx, name, token, ttl); err != nil {
		return err
	}
	defer l.unlock(name, token)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRenew := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(runCtx, cancel, name, token, ttl, stopRenew)
	}()

	err := fn(runCtx)
	close(stopRenew)
	<-renewed
	if err == nil && errors.Is(context.Cause(runCtx), ErrLost) {
		return ErrLost
	}
	return err
}

func (l Locker) acquire(ctx context.Context, name, token string, ttl time.Duration) error {
	wait := l.RetryBackoff
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	for {
		ok, err := l.R.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l Locker) renew(ctx context.Context, cancel context.CancelCauseFunc, name, token string, ttl time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := extendScript.Run(ctx, l.R, []string{name}, token, ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				cancel(ErrLost)
				return
			}
		}
	}
}

func (l Locker) name(key string) string {
	if l.Prefix == "" {
		return "lock:" + key
	}
	return l.Prefix + ":lock:" + key
}

func (l Locker) unlock(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = unlockScript.Run(ctx, l.R, []string{name}, token).Err()
}
