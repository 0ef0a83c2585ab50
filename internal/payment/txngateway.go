package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/paybridge/internal/resilience"
)

// TxnAmountMultiplier converts major units into the transaction gateway's
// amount field (e.g. naira to kobo).
const TxnAmountMultiplier = 100

// TxnGateway integrates the transaction-verification gateway. Its webhooks are
// unsigned, so claims are advisory and the webhook handler corroborates them
// with GetStatus before anything is reconciled.
type TxnGateway struct {
	BaseURL   string
	SecretKey string
	HTTP      resilience.HTTPClient
}

type txnTransaction struct {
	Reference string         `json:"reference"`
	Status    string         `json:"status"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Metadata  map[string]any `json:"metadata"`
}

func (t TxnGateway) Provider() Provider { return ProviderTxnGateway }

func (t TxnGateway) api() apiClient {
	return apiClient{provider: ProviderTxnGateway, baseURL: t.BaseURL, http: t.HTTP}
}

func (t TxnGateway) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.SecretKey)
	h.Set("Content-Type", "application/json")
	return h
}

// ProviderAmount applies the documented multiplier to a major-unit amount.
func ProviderAmount(major decimal.Decimal) int64 {
	return major.Mul(decimal.NewFromInt(TxnAmountMultiplier)).Round(0).IntPart()
}

// amountFromProvider maps the gateway amount back to the currency's minor units.
func amountFromProvider(amount int64, currency string) int64 {
	major := decimal.NewFromInt(amount).Div(decimal.NewFromInt(TxnAmountMultiplier))
	minor, ok := ToMinorUnits(major, currency)
	if !ok {
		return 0
	}
	return minor
}

// CreatePayment initialises a transaction under our merchant reference.
func (t TxnGateway) CreatePayment(ctx context.Context, req CreateRequest) (PaymentIntent, error) {
	payload := map[string]any{
		"email":     req.Customer.Email,
		"amount":    ProviderAmount(req.Amount),
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.Reference,
		"metadata":  req.Metadata,
	}
	if req.ReturnURL != "" {
		payload["callback_url"] = req.ReturnURL
	}
	if req.Method != "" {
		payload["channels"] = []string{req.Method}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return PaymentIntent{}, err
	}
	api := t.api()
	resp, err := api.do(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(data), t.headers())
	if err != nil {
		return PaymentIntent{}, err
	}
	var body struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AuthorizationURL string `json:"authorization_url"`
			AccessCode       string `json:"access_code"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	if !resp.ok() {
		return PaymentIntent{}, api.failure(resp)
	}
	if err := api.decode(resp, &body); err != nil {
		return PaymentIntent{}, err
	}
	if !body.Status || body.Data.AuthorizationURL == "" {
		msg := body.Message
		if msg == "" {
			msg = "initialization not accepted"
		}
		return PaymentIntent{}, &GatewayError{Provider: ProviderTxnGateway, StatusCode: resp.status, Message: msg}
	}
	ref := body.Data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return PaymentIntent{
		ID:               ref,
		Provider:         ProviderTxnGateway,
		OrderRef:         req.OrderRef,
		Reference:        ref,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Status:           StatusRequiresAction,
		Metadata:         copyMetadata(req.Metadata),
		ClientSecret:     body.Data.AccessCode,
		RedirectURL:      body.Data.AuthorizationURL,
	}, nil
}

// GetStatus verifies by provider reference. Intents created here carry the
// reference as their id; the translation is kept for stored intents that differ.
func (t TxnGateway) GetStatus(ctx context.Context, intent PaymentIntent) (StatusReport, error) {
	ref := intent.Reference
	if ref == "" {
		ref = intent.ID
	}
	if ref == "" {
		return StatusReport{}, invalid("reference", "is required")
	}
	api := t.api()
	resp, err := api.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(ref), nil, t.headers())
	if err != nil {
		return StatusReport{}, err
	}
	if resp.status == http.StatusNotFound {
		return StatusReport{}, ErrIntentNotFound
	}
	if !resp.ok() {
		return StatusReport{}, api.failure(resp)
	}
	var body struct {
		Data txnTransaction `json:"data"`
	}
	if err := api.decode(resp, &body); err != nil {
		return StatusReport{}, err
	}
	currency := strings.ToLower(body.Data.Currency)
	if currency == "" {
		currency = intent.Currency
	}
	id := body.Data.Reference
	if id == "" {
		id = ref
	}
	return StatusReport{
		ProviderPaymentID: id,
		ReportedStatus:    body.Data.Status,
		Status:            txnStatus(body.Data.Status),
		AmountMinorUnits:  amountFromProvider(body.Data.Amount, currency),
		Currency:          currency,
		Metadata:          stringMap(body.Data.Metadata),
		Raw:               resp.body,
	}, nil
}

// ValidateWebhook parses the unsigned callback. The result is always advisory.
func (t TxnGateway) ValidateWebhook(_ context.Context, _ *http.Request, body []byte) (WebhookClaim, error) {
	var ev struct {
		Event string         `json:"event"`
		Data  txnTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookClaim{}, invalid("body", "malformed transaction payload")
	}
	claim := WebhookClaim{
		ProviderPaymentID: ev.Data.Reference,
		Reference:         ev.Data.Reference,
		ReportedStatus:    ev.Event,
		Currency:          strings.ToLower(ev.Data.Currency),
		Metadata:          stringMap(ev.Data.Metadata),
		Advisory:          true,
	}
	if claim.Currency != "" {
		claim.AmountMinorUnits = amountFromProvider(ev.Data.Amount, claim.Currency)
	}
	switch ev.Event {
	case "charge.success":
		claim.Status, claim.Relevant = StatusSucceeded, true
	case "charge.failed":
		claim.Status, claim.Relevant = StatusFailed, true
	}
	if claim.Relevant && claim.Reference == "" {
		return WebhookClaim{}, invalid("body", "transaction reference missing")
	}
	return claim, nil
}

func txnStatus(s string) IntentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "abandoned", "reversed":
		return StatusCanceled
	default:
		return StatusRequiresAction
	}
}
