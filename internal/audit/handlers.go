package audit

import (
	"net/http"
	"strings"

	"github.com/noah-isme/paybridge/internal/common"
)

// Handler exposes the audit trail to administrators.
type Handler struct {
	Store Store
}

// Events lists received payment events, optionally for one order.
func (h Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	q := r.URL.Query()
	rows, err := h.Store.ListEvents(r.Context(), EventFilter{
		OrderRef:          strings.TrimSpace(q.Get("order_ref")),
		ProviderPaymentID: strings.TrimSpace(q.Get("provider_payment_id")),
		Limit:             common.QueryInt(r, "limit", 50, 1, 200),
		Offset:            common.QueryInt(r, "offset", 0, 0, 1<<20),
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch payment events", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"items": rows})
}

// Conflicts lists events set aside for manual review.
func (h Handler) Conflicts(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	limit := common.QueryInt(r, "limit", 50, 1, 200)
	offset := common.QueryInt(r, "offset", 0, 0, 1<<20)
	rows, err := h.Store.ListConflicts(r.Context(), limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch conflicts", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"items": rows})
}
