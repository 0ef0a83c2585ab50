package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/queue"
)

func deadEntry(t *testing.T, store *queue.MemoryStore, key string) queue.DLQEntry {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"kind": "payment-verify", "key": key, "payload": []byte(`{"provider":"card_rail","intentId":"pi_1"}`),
		"attempt": 3, "max_attempts": 3, "available_at": time.Now().UnixNano(),
	})
	require.NoError(t, err)
	last := "poll pi_1: no terminal status"
	entry := queue.DLQEntry{Kind: "payment-verify", IdempotencyKey: key, Payload: raw, Attempts: 3, LastError: &last}
	entry.ID, err = store.InsertQueueDlq(context.Background(), entry)
	require.NoError(t, err)
	return entry
}

func TestDLQList(t *testing.T) {
	store := &queue.MemoryStore{}
	deadEntry(t, store, "card_rail:pi_1")
	handler := &queue.AdminHandler{Store: store}

	rr := httptest.NewRecorder()
	handler.ListDLQ(rr, httptest.NewRequest(http.MethodGet, "/admin/queue/dlq?kind=payment-verify", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Items []struct {
			IdempotencyKey string          `json:"idempotencyKey"`
			Attempts       int             `json:"attempts"`
			Payload        json.RawMessage `json:"payload"`
		} `json:"items"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.EqualValues(t, 1, resp.Total)
	require.Len(t, resp.Items, 1)
	require.Equal(t, 3, resp.Items[0].Attempts)
	require.JSONEq(t, `{"provider":"card_rail","intentId":"pi_1"}`, string(resp.Items[0].Payload))
}

func TestDLQReplay(t *testing.T) {
	client := newRedis(t)
	store := &queue.MemoryStore{}
	entry := deadEntry(t, store, "card_rail:pi_1")

	handler := &queue.AdminHandler{
		Store:    store,
		Queue:    queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute},
		PageSize: 10,
	}

	body := bytes.NewBufferString(`{"ids":["` + entry.ID.String() + `","not-a-uuid"]}`)
	rr := httptest.NewRecorder()
	handler.ReplayDLQ(rr, httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", body))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, []string{entry.ID.String()}, resp.Replayed)
	require.Equal(t, "invalid uuid", resp.Failed["not-a-uuid"])

	depth, err := client.ZCard(context.Background(), "adm:queue:payment-verify").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	_, err = store.GetQueueDlq(context.Background(), entry.ID)
	require.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestDLQReplayRequiresSelector(t *testing.T) {
	client := newRedis(t)
	handler := &queue.AdminHandler{Store: &queue.MemoryStore{}, Queue: queue.Enqueuer{R: client}}
	rr := httptest.NewRecorder()
	handler.ReplayDLQ(rr, httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStats(t *testing.T) {
	client := newRedis(t)
	store := &queue.MemoryStore{}
	deadEntry(t, store, "k1")
	enq := queue.Enqueuer{R: client, Prefix: "st"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "payment-verify", Delay: time.Hour}))

	handler := &queue.AdminHandler{Store: store, Queue: enq}
	rr := httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/queue/stats?kind=payment-verify", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.EqualValues(t, 1, resp["queued"])
	require.EqualValues(t, 1, resp["dlq"])
}
