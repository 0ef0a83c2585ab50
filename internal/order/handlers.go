package order

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/paybridge/internal/common"
)

// Handler exposes the payment state of an order to processing pages.
type Handler struct {
	Store Store
}

// Get returns the order's payment view.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "orderRef"))
	o, err := h.Store.GetOrder(r.Context(), ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	common.JSON(w, http.StatusOK, o)
}

// AdminHandler registers orders awaiting payment and drives fulfilment.
type AdminHandler struct {
	Store AdminStore
}

type createRequest struct {
	OrderRef         string `json:"orderRef"`
	AmountMinorUnits int64  `json:"amountMinorUnits"`
	Currency         string `json:"currency"`
}

// Create registers an order in PENDING_PAYMENT.
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	req.OrderRef = strings.TrimSpace(req.OrderRef)
	if req.OrderRef == "" || req.AmountMinorUnits <= 0 || len(strings.TrimSpace(req.Currency)) != 3 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "orderRef, positive amountMinorUnits and currency are required", nil)
		return
	}
	o, err := h.Store.CreatePending(r.Context(), Order{
		Ref:              req.OrderRef,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         strings.ToLower(strings.TrimSpace(req.Currency)),
	})
	if err != nil {
		if errors.Is(err, ErrExists) {
			common.JSONError(w, http.StatusConflict, "ORDER_EXISTS", "order already registered", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to create order", nil)
		return
	}
	common.JSON(w, http.StatusCreated, o)
}

type patchStatusRequest struct {
	Status string `json:"status"`
}

// PatchStatus moves a paid order forward through fulfilment.
func (h *AdminHandler) PatchStatus(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	var req patchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Status) == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "status is required", nil)
		return
	}
	o, err := h.Store.Advance(r.Context(), chi.URLParam(r, "orderRef"), Status(strings.ToUpper(strings.TrimSpace(req.Status))))
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", "state transition not allowed", nil)
	case err != nil:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to update order status", nil)
	default:
		common.JSON(w, http.StatusOK, o)
	}
}
