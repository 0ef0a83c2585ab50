package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/health"
)

type readyBody struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func ready(t *testing.T, h *health.Handler) (int, readyBody) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var body readyBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	(&health.Handler{}).Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestReadyReportsEveryProbe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &health.Handler{Probes: []health.Probe{
		health.RedisProbe(rdb),
		{Name: "db", Check: func(context.Context) error { return nil }},
	}}
	code, body := ready(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"redis": "ok", "db": "ok"}, body.Components)

	mr.Close()
	code, body = ready(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body.Status)
	assert.NotEqual(t, "ok", body.Components["redis"])
}

func TestReadyTimesOutSlowProbe(t *testing.T) {
	h := &health.Handler{Probes: []health.Probe{{
		Name:    "db",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}}
	code, body := ready(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, context.DeadlineExceeded.Error(), body.Components["db"])
}

func TestReadyFailsWhileDraining(t *testing.T) {
	h := &health.Handler{Probes: []health.Probe{{Name: "db", Check: func(context.Context) error { return errors.New("unused") }}}}
	h.Drain()
	code, body := ready(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "draining", body.Status)
}
