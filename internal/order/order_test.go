package order

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestApplyPaymentOutcomeCommitsStatusAndEffectsTogether(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Order{Ref: "ORD-1", Status: StatusPendingPayment, AmountMinorUnits: 3550, Currency: "myr"})

	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	applied, err := store.ApplyPaymentOutcome(context.Background(), "ORD-1", Outcome{
		Status: StatusPaid, Expected: StatusPendingPayment, PaymentID: "BILL-9", Provider: "bill_gateway", PaidAt: paidAt,
	}, []SideEffect{{Kind: EffectCommission, Payload: []byte(`{}`)}})
	require.NoError(t, err)
	require.Equal(t, Committed, applied.Result)
	require.Equal(t, StatusPaid, applied.Order.Status)
	require.Equal(t, "BILL-9", applied.Order.PaymentID)
	require.Equal(t, paidAt, *applied.Order.PaidAt)
	require.Len(t, store.SideEffects("ORD-1"), 1)
}

func TestApplyPaymentOutcomeRefusesStaleExpectation(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Order{Ref: "ORD-2", Status: StatusPaid, PaymentID: "pi_1"})

	applied, err := store.ApplyPaymentOutcome(context.Background(), "ORD-2", Outcome{
		Status: StatusPaymentFailed, Expected: StatusPendingPayment,
	}, []SideEffect{{Kind: EffectCommission}})
	require.NoError(t, err)
	require.Equal(t, Conflict, applied.Result)
	require.Equal(t, StatusPaid, applied.Order.Status)
	require.Empty(t, store.SideEffects("ORD-2"))
}

func TestSideEffectKindIsRecordedOnce(t *testing.T) {
	const note = "failure_note"
	store := NewMemoryStore()
	store.Put(Order{Ref: "ORD-3", Status: StatusPaymentFailed})
	_, err := store.ApplyPaymentOutcome(context.Background(), "ORD-3", Outcome{Status: StatusPaymentFailed, Expected: StatusPaymentFailed},
		[]SideEffect{{Kind: note}})
	require.NoError(t, err)
	_, err = store.ApplyPaymentOutcome(context.Background(), "ORD-3", Outcome{Status: StatusPaid, Expected: StatusPaymentFailed, PaymentID: "x"},
		[]SideEffect{{Kind: note}, {Kind: EffectCommission}})
	require.NoError(t, err)
	require.Len(t, store.SideEffects("ORD-3"), 2)
}

func TestCanAdvance(t *testing.T) {
	require.True(t, CanAdvance(StatusPaid, StatusFulfilling))
	require.True(t, CanAdvance(StatusFulfilling, StatusCompleted))
	require.False(t, CanAdvance(StatusPaid, StatusCompleted))
	require.False(t, CanAdvance(StatusPendingPayment, StatusFulfilling))
	require.False(t, CanAdvance(StatusCompleted, StatusPaid))
	require.False(t, CanAdvance(StatusPaid, StatusPendingPayment))
}

func TestAdminHandlersCreateAndAdvance(t *testing.T) {
	store := NewMemoryStore()
	admin := &AdminHandler{Store: store}
	r := chi.NewRouter()
	r.Post("/admin/orders", admin.Create)
	r.Patch("/admin/orders/{orderRef}/status", admin.PatchStatus)
	r.Get("/orders/{orderRef}", (&Handler{Store: store}).Get)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/orders", strings.NewReader(`{"orderRef":"ORD-9","amountMinorUnits":1000,"currency":"MYR"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/orders", strings.NewReader(`{"orderRef":"ORD-9","amountMinorUnits":1000,"currency":"MYR"}`)))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/admin/orders/ORD-9/status", strings.NewReader(`{"status":"fulfilling"}`)))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/ORD-9", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"PENDING_PAYMENT"`)
	require.Contains(t, rec.Body.String(), `"currency":"myr"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
