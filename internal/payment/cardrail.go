package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/resilience"
)

// CardRail talks to the card gateway. Card entry happens in the provider's
// hosted element, so CreatePayment only hands back a client secret.
type CardRail struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook timestamp.
	Tolerance time.Duration
	HTTP      resilience.HTTPClient
	Now       func() time.Time
}

type cardRailIntent struct {
	ID               string            `json:"id"`
	ClientSecret     string            `json:"client_secret"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (c CardRail) Provider() Provider { return ProviderCardRail }

func (c CardRail) api() apiClient {
	return apiClient{provider: ProviderCardRail, baseURL: c.BaseURL, http: c.HTTP}
}

func (c CardRail) headers(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.SecretKey)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return h
}

// CreatePayment opens a payment intent and returns its client secret.
func (c CardRail) CreatePayment(ctx context.Context, req CreateRequest) (PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinorUnits, 10))
	form.Set("currency", req.Currency)
	form.Set("description", req.Description)
	if req.Customer.Email != "" {
		form.Set("receipt_email", req.Customer.Email)
	}
	if req.Method != "" {
		form.Add("payment_method_types[]", req.Method)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	form.Set("metadata[reference]", req.Reference)

	api := c.api()
	resp, err := api.do(ctx, http.MethodPost, "/v1/payment_intents", strings.NewReader(form.Encode()), c.headers(req.Reference))
	if err != nil {
		return PaymentIntent{}, err
	}
	if !resp.ok() {
		return PaymentIntent{}, api.failure(resp)
	}
	var pi cardRailIntent
	if err := api.decode(resp, &pi); err != nil {
		return PaymentIntent{}, err
	}
	if pi.ID == "" || pi.ClientSecret == "" {
		return PaymentIntent{}, &GatewayError{Provider: ProviderCardRail, StatusCode: resp.status, Message: "response missing id or client secret"}
	}
	status := cardRailStatus(pi.Status)
	if status.Terminal() {
		status = StatusRequiresAction
	}
	return PaymentIntent{
		ID:               pi.ID,
		Provider:         ProviderCardRail,
		OrderRef:         req.OrderRef,
		Reference:        req.Reference,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Status:           status,
		Metadata:         copyMetadata(req.Metadata),
		ClientSecret:     pi.ClientSecret,
	}, nil
}

// GetStatus looks the intent up by id.
func (c CardRail) GetStatus(ctx context.Context, intent PaymentIntent) (StatusReport, error) {
	pi, raw, err := c.fetch(ctx, intent.ID)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		ProviderPaymentID: pi.ID,
		ReportedStatus:    pi.Status,
		Status:            cardRailStatus(pi.Status),
		AmountMinorUnits:  pi.Amount,
		Currency:          strings.ToLower(pi.Currency),
		Metadata:          pi.Metadata,
		Raw:               raw,
	}, nil
}

func (c CardRail) fetch(ctx context.Context, id string) (cardRailIntent, []byte, error) {
	api := c.api()
	resp, err := api.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, c.headers(""))
	if err != nil {
		return cardRailIntent{}, nil, err
	}
	if resp.status == http.StatusNotFound {
		return cardRailIntent{}, nil, ErrIntentNotFound
	}
	if !resp.ok() {
		return cardRailIntent{}, nil, api.failure(resp)
	}
	var pi cardRailIntent
	if err := api.decode(resp, &pi); err != nil {
		return cardRailIntent{}, nil, err
	}
	return pi, resp.body, nil
}

// UpdatePaymentMethod rebinds an unconfirmed intent to another instrument.
func (c CardRail) UpdatePaymentMethod(ctx context.Context, intent PaymentIntent, method string) (PaymentIntent, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return PaymentIntent{}, invalid("paymentMethod", "is required")
	}
	if intent.Status.Terminal() {
		return PaymentIntent{}, &invalidStateError{id: intent.ID, status: intent.Status}
	}
	current, _, err := c.fetch(ctx, intent.ID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if st := cardRailStatus(current.Status); st.Terminal() || current.Status == "processing" {
		return PaymentIntent{}, &invalidStateError{id: intent.ID, status: st}
	}

	form := url.Values{}
	form.Set("payment_method", method)
	api := c.api()
	resp, err := api.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intent.ID), strings.NewReader(form.Encode()), c.headers(""))
	if err != nil {
		return PaymentIntent{}, err
	}
	if !resp.ok() {
		gerr := api.failure(resp)
		if gerr.Code == "payment_intent_unexpected_state" {
			return PaymentIntent{}, &invalidStateError{id: intent.ID, status: intent.Status, cause: gerr}
		}
		return PaymentIntent{}, gerr
	}
	var pi cardRailIntent
	if err := api.decode(resp, &pi); err != nil {
		return PaymentIntent{}, err
	}
	updated := intent
	updated.Status = cardRailStatus(pi.Status)
	if pi.ClientSecret != "" {
		updated.ClientSecret = pi.ClientSecret
	}
	return updated, nil
}

type invalidStateError struct {
	id     string
	status IntentStatus
	cause  error
}

func (e *invalidStateError) Error() string {
	return "payment: intent " + e.id + " is " + string(e.status) + " and can no longer change payment method"
}

func (e *invalidStateError) Is(target error) bool { return target == ErrInvalidState }

func (e *invalidStateError) Unwrap() error { return e.cause }

// ValidateWebhook verifies the Card-Signature header, an HMAC-SHA256 over
// "<timestamp>.<body>", and parses the event.
func (c CardRail) ValidateWebhook(_ context.Context, r *http.Request, body []byte) (WebhookClaim, error) {
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return WebhookClaim{}, signatureError(ProviderCardRail, "webhook secret not configured")
	}
	ts, sigs := parseCardSignature(r.Header.Get("Card-Signature"))
	if ts == "" || len(sigs) == 0 {
		return WebhookClaim{}, signatureError(ProviderCardRail, "missing signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return WebhookClaim{}, signatureError(ProviderCardRail, "malformed timestamp")
	}
	tolerance := c.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return WebhookClaim{}, signatureError(ProviderCardRail, "timestamp outside tolerance")
	}
	signed := make([]byte, 0, len(ts)+1+len(body))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	expected := common.HMACSHA256Hex(c.WebhookSecret, signed)
	matched := false
	for _, sig := range sigs {
		if common.EqualHexMAC(expected, sig) {
			matched = true
			break
		}
	}
	if !matched {
		return WebhookClaim{}, signatureError(ProviderCardRail, "signature mismatch")
	}

	var ev struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object cardRailIntent `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookClaim{}, invalid("body", "malformed event payload")
	}
	obj := ev.Data.Object
	claim := WebhookClaim{
		ProviderPaymentID: obj.ID,
		ReportedStatus:    ev.Type,
		AmountMinorUnits:  obj.Amount,
		Currency:          strings.ToLower(obj.Currency),
		Metadata:          obj.Metadata,
	}
	switch ev.Type {
	case "payment_intent.succeeded":
		claim.Status, claim.Relevant = StatusSucceeded, true
	case "payment_intent.payment_failed":
		claim.Status, claim.Relevant = StatusFailed, true
	case "payment_intent.canceled":
		claim.Status, claim.Relevant = StatusCanceled, true
	case "payment_intent.processing", "payment_intent.requires_action":
		claim.Status, claim.Relevant = StatusRequiresAction, true
	}
	if obj.Metadata != nil {
		claim.Reference = obj.Metadata["reference"]
	}
	if claim.Relevant && claim.ProviderPaymentID == "" {
		return WebhookClaim{}, invalid("body", "event carries no payment intent id")
	}
	return claim, nil
}

func parseCardSignature(header string) (string, []string) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	return ts, sigs
}

func cardRailStatus(s string) IntentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded":
		return StatusSucceeded
	case "canceled", "cancelled":
		return StatusCanceled
	case "requires_payment_method", "":
		return StatusCreated
	default:
		return StatusRequiresAction
	}
}
