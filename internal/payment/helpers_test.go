package payment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/resilience"
)

func httpClient(srv *httptest.Server) resilience.HTTPClient {
	return resilience.HTTPClient{Client: srv.Client(), Timeout: 2 * time.Second, MaxAttempts: 1}
}

// countingServer wraps h and counts every request it receives.
func countingServer(t *testing.T, h http.Handler) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func signCardRail(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + common.HMACSHA256Hex(secret, append([]byte(ts+"."), body...))
}

// countingEngine forwards to an inner reconciler and counts calls.
type countingEngine struct {
	inner payment.Reconciler
	err   error
	calls atomic.Int32
}

func (e *countingEngine) Apply(ctx context.Context, ev payment.PaymentEvent) (payment.ReconcileResult, error) {
	e.calls.Add(1)
	if e.err != nil {
		return payment.ReconcileResult{}, e.err
	}
	if e.inner == nil {
		return payment.ReconcileResult{Action: payment.ActionApplied}, nil
	}
	return e.inner.Apply(ctx, ev)
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingScheduler) ScheduleVerification(_ context.Context, provider payment.Provider, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, provider.String()+":"+intentID)
	return nil
}

func (s *recordingScheduler) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
