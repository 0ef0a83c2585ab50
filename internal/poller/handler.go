package poller

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/payment"
)

// Handler serves the await boundary: the request blocks while the server
// polls, and a client disconnect cancels the poll.
type Handler struct {
	Poller   *Poller
	Interval time.Duration
	MaxWait  time.Duration
	// Ceiling caps a caller supplied max_wait_ms.
	Ceiling time.Duration
}

type awaitResp struct {
	IntentID    string               `json:"intentId"`
	Provider    payment.Provider     `json:"provider"`
	OrderRef    string               `json:"orderRef"`
	Status      payment.IntentStatus `json:"status"`
	Terminal    bool                 `json:"terminal"`
	Attempts    int                  `json:"attempts"`
	Action      payment.Action       `json:"action,omitempty"`
	OrderStatus string               `json:"orderStatus,omitempty"`
}

// Await handles GET /payments/{provider}/{intentId}/await.
func (h Handler) Await(w http.ResponseWriter, r *http.Request) {
	provider, err := payment.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		common.WriteError(w, payment.HTTPError(err))
		return
	}
	intentID := strings.TrimSpace(chi.URLParam(r, "intentId"))
	if intentID == "" {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "intentId is required", nil)
		return
	}

	ceiling := h.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultMaxWait
	}
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxWait := h.MaxWait
	if maxWait <= 0 || maxWait > ceiling {
		maxWait = ceiling
	}
	interval = time.Duration(common.QueryInt(r, "interval_ms", int(interval.Milliseconds()), 100, int(ceiling.Milliseconds()))) * time.Millisecond
	maxWait = time.Duration(common.QueryInt(r, "max_wait_ms", int(maxWait.Milliseconds()), 0, int(ceiling.Milliseconds()))) * time.Millisecond

	out, err := h.Poller.PollUntilTerminal(r.Context(), provider, intentID, interval, maxWait)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away
			return
		}
		appErr := payment.HTTPError(err)
		var te *TimeoutError
		if errors.As(err, &te) {
			appErr = appErr.WithDetails(map[string]any{"attempts": te.Attempts, "waitedMs": te.Waited.Milliseconds(), "status": out.Status})
		}
		common.WriteError(w, appErr)
		return
	}
	common.JSON(w, http.StatusOK, awaitResp{
		IntentID:    out.IntentID,
		Provider:    out.Provider,
		OrderRef:    out.OrderRef,
		Status:      out.Status,
		Terminal:    out.Status.Terminal(),
		Attempts:    out.Attempts,
		Action:      out.Result.Action,
		OrderStatus: out.Result.OrderStatus,
	})
}
