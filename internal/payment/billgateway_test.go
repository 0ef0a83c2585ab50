package payment_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/credential"
	"github.com/noah-isme/paybridge/internal/payment"
)

const billSecret = "whsec_bill"

// billFake issues numbered tokens and rejects every token up to rejectUpTo.
type billFake struct {
	rejectUpTo  int32
	statusID    string
	tokens      atomic.Int32
	billCalls   atomic.Int32
	lastAuth    atomic.Value
	basicHeader atomic.Value
}

func (f *billFake) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokens.Add(1)
		f.basicHeader.Store(r.Header.Get("Authorization"))
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	})
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		f.billCalls.Add(1)
		auth := r.Header.Get("Authorization")
		f.lastAuth.Store(auth)
		var n int32
		_, _ = fmt.Sscanf(auth, "Bearer tok-%d", &n)
		if n == 0 || n <= f.rejectUpTo {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_token","message":"token expired"}`))
			return false
		}
		return true
	}
	mux.HandleFunc("POST /v1/bills", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "BILL-9", "url": "https://pay.example/bills/BILL-9", "status_id": 2,
			"reference": body["reference"], "amount": body["amount"],
		})
	})
	mux.HandleFunc("GET /v1/bills", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		status := f.statusID
		if status == "" {
			status = "2"
		}
		_, _ = fmt.Fprintf(w, `{"bills":[{"id":"BILL-8","status_id":"3"},{"id":"BILL-9","reference":%q,"status_id":%q,"amount":3550,"currency":"MYR","metadata":{"orderRef":"ORD-1"}}]}`,
			r.URL.Query().Get("reference"), status)
	})
	return mux
}

func newBillGateway(t *testing.T, fake *billFake) payment.BillGateway {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	cache := credential.NewCache(zerolog.Nop())
	bg := payment.BillGateway{
		BaseURL:       srv.URL,
		ClientID:      "client",
		ClientSecret:  "secret",
		WebhookSecret: billSecret,
		Credentials:   cache,
		HTTP:          httpClient(srv),
	}
	cache.Register(payment.ProviderBillGateway.String(), bg.TokenFetcher())
	return bg
}

func billRequest() payment.CreateRequest {
	return payment.CreateRequest{
		Provider:         payment.ProviderBillGateway,
		OrderRef:         "ORD-1",
		Reference:        "pb_ord1",
		AmountMinorUnits: 3550,
		Currency:         "myr",
		Customer:         payment.Customer{Name: "Aina", Email: "aina@example.com"},
		Metadata:         map[string]string{payment.MetadataOrderRef: "ORD-1"},
	}
}

func TestBillGatewayCreateUsesCachedToken(t *testing.T) {
	fake := &billFake{}
	bg := newBillGateway(t, fake)

	intent, err := bg.CreatePayment(context.Background(), billRequest())
	require.NoError(t, err)
	assert.Equal(t, "BILL-9", intent.ID)
	assert.Equal(t, "https://pay.example/bills/BILL-9", intent.RedirectURL)
	assert.Equal(t, payment.StatusRequiresAction, intent.Status)

	_, err = bg.CreatePayment(context.Background(), billRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 1, fake.tokens.Load())
	assert.Equal(t, "Basic Y2xpZW50OnNlY3JldA==", fake.basicHeader.Load())
}

func TestBillGatewayRetriesOnceAfterUnauthorized(t *testing.T) {
	fake := &billFake{rejectUpTo: 1}
	bg := newBillGateway(t, fake)

	_, err := bg.CreatePayment(context.Background(), billRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 2, fake.tokens.Load())
	assert.EqualValues(t, 2, fake.billCalls.Load())
	assert.Equal(t, "Bearer tok-2", fake.lastAuth.Load())
}

func TestBillGatewaySecondUnauthorizedIsAuthError(t *testing.T) {
	fake := &billFake{rejectUpTo: 100}
	bg := newBillGateway(t, fake)

	_, err := bg.CreatePayment(context.Background(), billRequest())
	require.ErrorIs(t, err, payment.ErrGatewayAuth)
	var gerr *payment.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusUnauthorized, gerr.StatusCode)
	assert.EqualValues(t, 2, fake.tokens.Load())
	assert.EqualValues(t, 2, fake.billCalls.Load())
	assert.Equal(t, "GATEWAY_AUTH_ERROR", payment.HTTPError(err).Code)
}

func TestBillGatewayGetStatusByReference(t *testing.T) {
	fake := &billFake{statusID: "1"}
	bg := newBillGateway(t, fake)

	report, err := bg.GetStatus(context.Background(), payment.PaymentIntent{ID: "BILL-9", Reference: "pb_ord1"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, report.Status)
	assert.Equal(t, "1", report.ReportedStatus)
	assert.EqualValues(t, 3550, report.AmountMinorUnits)
	assert.Equal(t, "myr", report.Currency)
	assert.Equal(t, "ORD-1", report.Metadata["orderRef"])

	_, err = bg.GetStatus(context.Background(), payment.PaymentIntent{ID: "BILL-10", Reference: "pb_ord1"})
	require.ErrorIs(t, err, payment.ErrIntentNotFound)

	_, err = bg.GetStatus(context.Background(), payment.PaymentIntent{ID: "BILL-9"})
	require.ErrorIs(t, err, payment.ErrValidation)
}

func TestBillGatewayStatusCodes(t *testing.T) {
	for code, want := range map[string]payment.IntentStatus{
		"1": payment.StatusSucceeded,
		"2": payment.StatusRequiresAction,
		"3": payment.StatusFailed,
		"4": payment.StatusCanceled,
	} {
		fake := &billFake{statusID: code}
		bg := newBillGateway(t, fake)
		report, err := bg.GetStatus(context.Background(), payment.PaymentIntent{ID: "BILL-9", Reference: "pb_ord1"})
		require.NoError(t, err)
		assert.Equal(t, want, report.Status, "status_id %s", code)
	}
}

func TestBillGatewayValidateWebhook(t *testing.T) {
	bg := payment.BillGateway{WebhookSecret: billSecret}
	body := []byte(`{"id":"BILL-9","reference":"pb_ord1","status_id":1,"amount":3550,"currency":"MYR","metadata":{"orderRef":"ORD-1"}}`)

	r := httptest.NewRequest(http.MethodPost, "/webhooks/bill_gateway", strings.NewReader(string(body)))
	r.Header.Set("X-Signature", common.HMACSHA256Hex(billSecret, body))
	claim, err := bg.ValidateWebhook(context.Background(), r, body)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, claim.Status)
	assert.Equal(t, "ORD-1", claim.Metadata[payment.MetadataOrderRef])
	assert.False(t, claim.Advisory)

	tampered := []byte(strings.Replace(string(body), "3550", "1", 1))
	_, err = bg.ValidateWebhook(context.Background(), r, tampered)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	r.Header.Del("X-Signature")
	_, err = bg.ValidateWebhook(context.Background(), r, body)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}
