package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/paybridge/internal/common"
)

// Handler exposes the intent creation and status boundaries over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type intentResp struct {
	IntentID         string       `json:"intentId"`
	Provider         Provider     `json:"provider"`
	OrderRef         string       `json:"orderRef"`
	Status           IntentStatus `json:"status"`
	AmountMinorUnits int64        `json:"amountMinorUnits"`
	Currency         string       `json:"currency"`
	ClientSecret     string       `json:"clientSecret,omitempty"`
	RedirectURL      string       `json:"redirectUrl,omitempty"`
}

func toIntentResp(intent PaymentIntent) intentResp {
	return intentResp{
		IntentID:         intent.ID,
		Provider:         intent.Provider,
		OrderRef:         intent.OrderRef,
		Status:           intent.Status,
		AmountMinorUnits: intent.AmountMinorUnits,
		Currency:         intent.Currency,
		ClientSecret:     intent.ClientSecret,
		RedirectURL:      intent.RedirectURL,
	}
}

// CreateIntent opens a payment for an order.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var in IntentInput
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(in); err != nil {
			common.WriteError(w, HTTPError(fromValidator(err)))
			return
		}
	}
	intent, err := h.Svc.CreateIntent(r.Context(), in)
	if err != nil {
		common.WriteError(w, HTTPError(err))
		return
	}
	common.JSON(w, http.StatusCreated, toIntentResp(intent))
}

// Status reports the intent status, asking the provider when still pending.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	provider, id, ok := h.target(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.Status(r.Context(), provider, id)
	if err != nil {
		common.WriteError(w, HTTPError(err))
		return
	}
	common.JSON(w, http.StatusOK, view)
}

// Return handles the customer coming back from the provider's hosted page.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	provider, id, ok := h.target(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.HandleReturn(r.Context(), provider, id)
	if err != nil {
		common.WriteError(w, HTTPError(err))
		return
	}
	common.JSON(w, http.StatusOK, view)
}

type paymentMethodReq struct {
	PaymentMethod string `json:"paymentMethod" validate:"required,max=128"`
}

// UpdatePaymentMethod rebinds a pending card-rail payment.
func (h *Handler) UpdatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	provider, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req paymentMethodReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.WriteError(w, HTTPError(fromValidator(err)))
			return
		}
	}
	intent, err := h.Svc.UpdatePaymentMethod(r.Context(), provider, id, req.PaymentMethod)
	if err != nil {
		common.WriteError(w, HTTPError(err))
		return
	}
	common.JSON(w, http.StatusOK, toIntentResp(intent))
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (Provider, string, bool) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return "", "", false
	}
	provider, err := ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		common.WriteError(w, HTTPError(err))
		return "", "", false
	}
	id := strings.TrimSpace(chi.URLParam(r, "intentId"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "intentId is required", nil)
		return "", "", false
	}
	return provider, id, true
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return invalid(lowerFirst(first.Namespace()), "failed "+first.Tag()+" check")
	}
	return invalid("body", err.Error())
}

// lowerFirst turns "IntentInput.Customer.Email" into "customer.email".
func lowerFirst(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}
