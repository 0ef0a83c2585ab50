package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/audit"
	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/order"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/reconcile"
)

const billPaidBody = `{"id":"BILL-9","reference":"pb_ord1","status_id":1,"amount":3550,"currency":"MYR","metadata":{"orderRef":"ORD-1"}}`

type webhookFixture struct {
	router  http.Handler
	engine  *countingEngine
	orders  *order.MemoryStore
	audit   *audit.MemoryStore
	txn     *txnFake
	mr      *miniredis.Miniredis
	webhook *payment.Webhook
}

func newWebhookFixture(t *testing.T, withReplay bool) *webhookFixture {
	t.Helper()
	ctx := context.Background()

	orders := order.NewMemoryStore()
	orders.Put(order.Order{Ref: "ORD-1", Status: order.StatusPendingPayment, AmountMinorUnits: 3550, Currency: "myr"})
	orders.Put(order.Order{Ref: "ORD-2", Status: order.StatusPendingPayment, AmountMinorUnits: 3550, Currency: "ngn"})

	intents := payment.NewMemoryIntentStore()
	require.NoError(t, intents.Save(ctx, payment.PaymentIntent{
		ID: "BILL-9", Provider: payment.ProviderBillGateway, OrderRef: "ORD-1", Reference: "pb_ord1",
		AmountMinorUnits: 3550, Currency: "myr", Status: payment.StatusRequiresAction,
	}))
	require.NoError(t, intents.Save(ctx, payment.PaymentIntent{
		ID: "T-1", Provider: payment.ProviderTxnGateway, OrderRef: "ORD-2", Reference: "T-1",
		AmountMinorUnits: 3550, Currency: "ngn", Status: payment.StatusRequiresAction,
	}))

	auditStore := &audit.MemoryStore{}
	engine := &countingEngine{inner: reconcile.New(orders, intents, audit.Log{Store: auditStore})}

	txn := &txnFake{status: "success", amount: 3550}
	tg, _ := newTxnGateway(t, txn)

	fx := &webhookFixture{engine: engine, orders: orders, audit: auditStore, txn: txn}
	wh := &payment.Webhook{
		Adapters: payment.NewRegistry(payment.BillGateway{WebhookSecret: billSecret}, tg),
		Intents:  intents,
		Engine:   engine,
		MaxBody:  4096,
	}
	if withReplay {
		fx.mr = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: fx.mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		wh.Replay = rdb
		wh.ReplayTTL = time.Hour
	}
	fx.webhook = wh

	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", func(w http.ResponseWriter, r *http.Request) { fx.webhook.Handle(w, r) })
	fx.router = r
	return fx
}

func (fx *webhookFixture) post(t *testing.T, provider, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func signedBill(body string) map[string]string {
	return map[string]string{"X-Signature": common.HMACSHA256Hex(billSecret, []byte(body))}
}

func errorCode(resp map[string]any) string {
	e, _ := resp["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestWebhookSignedSuccessMarksOrderPaid(t *testing.T) {
	fx := newWebhookFixture(t, true)

	rec, resp := fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACCEPTED", resp["state"])
	assert.Equal(t, "APPLIED", resp["action"])
	assert.Equal(t, "PAID", resp["orderStatus"])

	o, err := fx.orders.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, "BILL-9", o.PaymentID)
	assert.Len(t, fx.orders.SideEffects("ORD-1"), 1)
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	t.Run("replay guard", func(t *testing.T) {
		fx := newWebhookFixture(t, true)
		for i := 0; i < 3; i++ {
			rec, _ := fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
			require.Equal(t, http.StatusOK, rec.Code)
		}
		_, resp := fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
		assert.Equal(t, "NO_OP", resp["action"])
		assert.Equal(t, true, resp["duplicate"])
		assert.EqualValues(t, 1, fx.engine.calls.Load())
		assert.Len(t, fx.orders.SideEffects("ORD-1"), 1)
	})

	t.Run("engine idempotency", func(t *testing.T) {
		fx := newWebhookFixture(t, false)
		_, first := fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
		rec, second := fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "APPLIED", first["action"])
		assert.Equal(t, "NO_OP", second["action"])
		assert.EqualValues(t, 2, fx.engine.calls.Load())
		assert.Len(t, fx.orders.SideEffects("ORD-1"), 1)
	})
}

func TestWebhookRejectsTamperedPayload(t *testing.T) {
	fx := newWebhookFixture(t, true)
	tampered := strings.Replace(billPaidBody, `"amount":3550`, `"amount":1`, 1)

	rec, resp := fx.post(t, "bill_gateway", tampered, signedBill(billPaidBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(resp))

	rec, _ = fx.post(t, "bill_gateway", billPaidBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Zero(t, fx.engine.calls.Load())
	o, err := fx.orders.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, o.Status)
}

func TestWebhookAdvisoryClaimIsCorroborated(t *testing.T) {
	body := `{"event":"charge.success","data":{"reference":"T-1","amount":3550,"currency":"NGN","metadata":{"orderRef":"ORD-2"}}}`

	t.Run("confirmed", func(t *testing.T) {
		fx := newWebhookFixture(t, true)
		rec, resp := fx.post(t, "txn_gateway", body, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "APPLIED", resp["action"])
		o, err := fx.orders.GetOrder(context.Background(), "ORD-2")
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, o.Status)
	})

	t.Run("contradicted", func(t *testing.T) {
		fx := newWebhookFixture(t, true)
		fx.txn.mu.Lock()
		fx.txn.status = "failed"
		fx.txn.mu.Unlock()

		rec, resp := fx.post(t, "txn_gateway", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "CORROBORATION_FAILED", errorCode(resp))
		assert.Zero(t, fx.engine.calls.Load())
		o, err := fx.orders.GetOrder(context.Background(), "ORD-2")
		require.NoError(t, err)
		assert.Equal(t, order.StatusPendingPayment, o.Status)
	})

	t.Run("unknown reference", func(t *testing.T) {
		fx := newWebhookFixture(t, true)
		forged := strings.Replace(body, "T-1", "T-404", 1)
		rec, resp := fx.post(t, "txn_gateway", forged, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "CORROBORATION_FAILED", errorCode(resp))
		assert.Zero(t, fx.engine.calls.Load())
	})
}

func TestWebhookAdvisoryMetadataComesFromProvider(t *testing.T) {
	fx := newWebhookFixture(t, true)
	// claims the payment belongs to another order
	forged := `{"event":"charge.success","data":{"reference":"T-1","amount":3550,"currency":"NGN","metadata":{"orderRef":"ORD-1"}}}`

	rec, resp := fx.post(t, "txn_gateway", forged, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPLIED", resp["action"])

	paid, err := fx.orders.GetOrder(context.Background(), "ORD-2")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, paid.Status)
	untouched, err := fx.orders.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, untouched.Status)

	recorded, err := fx.audit.ListConflicts(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestWebhookRejectionCarriesCorroborationError(t *testing.T) {
	fx := newWebhookFixture(t, false)
	fx.txn.mu.Lock()
	fx.txn.status = "failed"
	fx.txn.mu.Unlock()

	body := `{"event":"charge.success","data":{"reference":"T-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/txn_gateway", strings.NewReader(body))
	out := fx.webhook.Ingest(context.Background(), "txn_gateway", req)

	assert.Equal(t, payment.StateRejected, out.State)
	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Equal(t, "CORROBORATION_FAILED", out.Code)
	assert.ErrorIs(t, out.Err, payment.ErrCorroboration)
}

func TestWebhookIgnoresIrrelevantEvents(t *testing.T) {
	fx := newWebhookFixture(t, true)
	rec, resp := fx.post(t, "txn_gateway", `{"event":"transfer.success","data":{"reference":"TR-1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["ignored"])
	assert.Zero(t, fx.engine.calls.Load())
}

func TestWebhookUnknownProvider(t *testing.T) {
	fx := newWebhookFixture(t, true)
	rec, resp := fx.post(t, "cash", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROVIDER_NOT_SUPPORTED", errorCode(resp))
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	fx := newWebhookFixture(t, true)
	body := `{"id":"BILL-9","pad":"` + strings.Repeat("x", 5000) + `"}`
	rec, _ := fx.post(t, "bill_gateway", body, signedBill(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, fx.engine.calls.Load())
}

func TestWebhookAmountMismatchIsRecordedNotApplied(t *testing.T) {
	fx := newWebhookFixture(t, true)
	body := strings.Replace(billPaidBody, `"amount":3550`, `"amount":3500`, 1)

	rec, resp := fx.post(t, "bill_gateway", body, signedBill(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NO_OP", resp["action"])

	o, err := fx.orders.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, o.Status)
	conflicts, err := fx.audit.ListConflicts(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, audit.ReasonAmountMismatch, conflicts[0].Reason)
}

func TestWebhookEngineFailureReleasesReplayKey(t *testing.T) {
	fx := newWebhookFixture(t, true)
	fx.engine.err = errors.New("database unavailable")

	rec, resp := fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "RECONCILE_ERROR", errorCode(resp))
	assert.Empty(t, fx.mr.Keys())

	fx.engine.err = nil
	rec, resp = fx.post(t, "bill_gateway", billPaidBody, signedBill(billPaidBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPLIED", resp["action"])
	assert.EqualValues(t, 2, fx.engine.calls.Load())
}

func TestWebhookIngestStates(t *testing.T) {
	fx := newWebhookFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/bill_gateway", strings.NewReader(billPaidBody))
	req.Header.Set("X-Signature", common.HMACSHA256Hex(billSecret, []byte(billPaidBody)))
	out := fx.webhook.Ingest(context.Background(), "bill_gateway", req)
	assert.Equal(t, payment.StateAccepted, out.State)
	require.NotNil(t, out.Result)
	assert.Equal(t, payment.ActionApplied, out.Result.Action)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/bill_gateway", strings.NewReader(billPaidBody))
	out = fx.webhook.Ingest(context.Background(), "bill_gateway", req)
	assert.Equal(t, payment.StateRejected, out.State)
	assert.Equal(t, http.StatusUnauthorized, out.Status)
}
