package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/common"
)

var errQueueUnavailable = common.NewAppError("QUEUE_UNAVAILABLE", "queue dependencies unavailable", http.StatusServiceUnavailable, nil)

// AdminHandler lets operators inspect and replay dead-lettered verifications.
type AdminHandler struct {
	Store    Store
	Queue    Enqueuer
	PageSize int
	Logger   zerolog.Logger
}

type deadTask struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type deadTaskPage struct {
	Items []deadTask `json:"items"`
	Total int64      `json:"total"`
}

type replayResult struct {
	Replayed []uuid.UUID       `json:"replayed"`
	Failed   map[string]string `json:"failed,omitempty"`
}

type queueStats struct {
	Kind        string `json:"kind"`
	Queued      int64  `json:"queued"`
	Processing  int64  `json:"processing"`
	Dead        int64  `json:"dlq"`
	OldestLagMs int64  `json:"oldest_lag_ms"`
}

func kindParam(raw string) string {
	kind := strings.TrimSpace(raw)
	if !validKind(kind) {
		return ""
	}
	return kind
}

// ListDLQ serves GET /admin/queue/dlq?kind=&limit=&offset=.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.WriteError(w, errQueueUnavailable)
		return
	}
	kind := kindParam(r.URL.Query().Get("kind"))
	entries, err := h.Store.ListQueueDlq(r.Context(), kind,
		common.QueryInt(r, "limit", h.pageSize(), 1, 200),
		common.QueryInt(r, "offset", 0, 0, 0))
	if err != nil {
		common.WriteError(w, common.Internal(err))
		return
	}
	page := deadTaskPage{Items: make([]deadTask, 0, len(entries))}
	if page.Total, err = h.Store.CountQueueDlq(r.Context(), kind); err != nil {
		common.WriteError(w, common.Internal(err))
		return
	}
	for _, e := range entries {
		item := deadTask{
			ID:             e.ID,
			Kind:           e.Kind,
			IdempotencyKey: e.IdempotencyKey,
			Attempts:       e.Attempts,
			LastError:      e.LastError,
			CreatedAt:      e.CreatedAt,
		}
		if env, err := parseEnvelope(string(e.Payload)); err == nil && json.Valid(env.Payload) {
			item.Payload = env.Payload
		}
		page.Items = append(page.Items, item)
	}
	common.JSON(w, http.StatusOK, page)
}

// ReplayDLQ serves POST /admin/queue/dlq/replay. The body selects entries
// either by {"ids": [...]} or by {"kind": "...", "limit": n}. Replayed tasks
// start again with a fresh attempt budget.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.WriteError(w, errQueueUnavailable)
		return
	}
	var req struct {
		IDs   []string `json:"ids"`
		Kind  string   `json:"kind"`
		Limit int      `json:"limit"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	kind := kindParam(req.Kind)
	ids := dedupeIDs(req.IDs)
	if len(ids) == 0 && kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
		return
	}

	ctx := r.Context()
	res := replayResult{Replayed: []uuid.UUID{}, Failed: map[string]string{}}
	var batch []DLQEntry
	if len(ids) > 0 {
		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				res.Failed[raw] = "invalid uuid"
				continue
			}
			entry, err := h.Store.GetQueueDlq(ctx, id)
			if err != nil {
				res.Failed[raw] = err.Error()
				continue
			}
			batch = append(batch, entry)
		}
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		var err error
		if batch, err = h.Store.ListQueueDlq(ctx, kind, limit, 0); err != nil {
			common.WriteError(w, common.Internal(err))
			return
		}
	}

	for _, entry := range batch {
		if err := h.replay(ctx, entry); err != nil {
			res.Failed[entry.ID.String()] = err.Error()
			continue
		}
		res.Replayed = append(res.Replayed, entry.ID)
	}
	h.Logger.Info().Int("replayed", len(res.Replayed)).Int("failed", len(res.Failed)).Str("kind", kind).Msg("queue_dlq_replayed")
	common.JSON(w, http.StatusOK, res)
}

// Stats serves GET /admin/queue/stats?kind= and refreshes the depth gauges.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil {
		common.WriteError(w, errQueueUnavailable)
		return
	}
	kind := kindParam(r.URL.Query().Get("kind"))
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	ctx := r.Context()
	ks := keyspace(h.Queue.Prefix)
	stats := queueStats{Kind: kind}

	pipe := h.Queue.R.Pipeline()
	queued := pipe.ZCard(ctx, ks.ready(kind))
	inflight := pipe.ZCard(ctx, ks.processing(kind))
	oldest := pipe.ZRangeWithScores(ctx, ks.ready(kind), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		common.WriteError(w, common.Internal(err))
		return
	}
	stats.Queued, stats.Processing = queued.Val(), inflight.Val()
	if head := oldest.Val(); len(head) > 0 {
		if due := time.Unix(0, int64(head[0].Score)); due.Before(time.Now()) {
			stats.OldestLagMs = time.Since(due).Milliseconds()
		}
	}
	if h.Store != nil {
		dead, err := h.Store.CountQueueDlq(ctx, kind)
		if err != nil {
			common.WriteError(w, common.Internal(err))
			return
		}
		stats.Dead = dead
		QueueDLQSize.WithLabelValues(kind).Set(float64(dead))
	}
	QueueDepth.WithLabelValues(kind).Set(float64(stats.Queued))
	common.JSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) replay(ctx context.Context, entry DLQEntry) error {
	env, err := parseEnvelope(string(entry.Payload))
	if err != nil {
		return errors.New("stored message is not decodable")
	}
	task := Task{Kind: env.Kind, Payload: env.Payload, IdempotencyKey: env.Key, MaxAttempts: env.MaxAttempts}
	if err := h.Queue.Enqueue(ctx, task); err != nil {
		return err
	}
	return h.Store.DeleteQueueDlq(ctx, entry.ID)
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize > 0 {
		return h.PageSize
	}
	return 50
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
