package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/credential"
	"github.com/noah-isme/paybridge/internal/resilience"
)

// BillGateway integrates the regional bill-payment gateway. Calls carry an
// OAuth bearer token from the credential cache; a 401 forces exactly one refresh.
type BillGateway struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	CallbackURL   string
	Credentials   *credential.Cache
	HTTP          resilience.HTTPClient
}

type billRecord struct {
	ID        string         `json:"id"`
	Reference string         `json:"reference"`
	URL       string         `json:"url"`
	StatusID  flexString     `json:"status_id"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Metadata  map[string]any `json:"metadata"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (b BillGateway) Provider() Provider { return ProviderBillGateway }

func (b BillGateway) api() apiClient {
	return apiClient{provider: ProviderBillGateway, baseURL: b.BaseURL, http: b.HTTP}
}

// TokenFetcher returns the client-credentials fetcher the cache uses for this gateway.
func (b BillGateway) TokenFetcher() credential.Fetcher {
	return credential.FetcherFunc(b.fetchToken)
}

func (b BillGateway) fetchToken(ctx context.Context) (credential.Grant, error) {
	if strings.TrimSpace(b.ClientID) == "" || strings.TrimSpace(b.ClientSecret) == "" {
		return credential.Grant{}, &credential.Error{Provider: ProviderBillGateway.String(), Err: errors.New("client credentials not configured")}
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("Authorization", "Basic "+basicAuth(b.ClientID, b.ClientSecret))

	api := b.api()
	resp, err := api.do(ctx, http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()), h)
	if err != nil {
		return credential.Grant{}, err
	}
	if !resp.ok() {
		return credential.Grant{}, &credential.Error{Provider: ProviderBillGateway.String(), Err: api.failure(resp)}
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := api.decode(resp, &body); err != nil {
		return credential.Grant{}, err
	}
	lifetime := time.Duration(body.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = jwtLifetime(body.AccessToken, time.Now())
	}
	return credential.Grant{Value: body.AccessToken, Lifetime: lifetime}, nil
}

// jwtLifetime reads exp from a token the gateway issued. The signature is the
// gateway's concern; only the expiry is needed here.
func jwtLifetime(token string, now time.Time) time.Duration {
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return 0
	}
	exp := parsed.Expiration()
	if exp.IsZero() {
		return 0
	}
	return exp.Sub(now)
}

// withToken runs call with a cached token, retrying once after a forced
// refresh when the gateway answers 401.
func (b BillGateway) withToken(ctx context.Context, call func(token string) (apiResponse, error)) (apiResponse, error) {
	if b.Credentials == nil {
		return apiResponse{}, &credential.Error{Provider: ProviderBillGateway.String(), Err: errors.New("credential cache not configured")}
	}
	tok, err := b.Credentials.Get(ctx, ProviderBillGateway.String())
	if err != nil {
		return apiResponse{}, err
	}
	resp, err := call(tok.Value)
	if err != nil || resp.status != http.StatusUnauthorized {
		return resp, err
	}
	fresh, err := b.Credentials.ForceRefresh(ctx, ProviderBillGateway.String(), tok)
	if err != nil {
		return apiResponse{}, err
	}
	resp, err = call(fresh.Value)
	if err != nil {
		return resp, err
	}
	if resp.status == http.StatusUnauthorized {
		gerr := b.api().failure(resp)
		gerr.Auth = true
		return apiResponse{}, gerr
	}
	return resp, nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// CreatePayment issues a bill and returns its hosted payment URL.
func (b BillGateway) CreatePayment(ctx context.Context, req CreateRequest) (PaymentIntent, error) {
	payload := map[string]any{
		"reference":    req.Reference,
		"amount":       req.AmountMinorUnits,
		"currency":     req.Currency,
		"description":  req.Description,
		"name":         req.Customer.Name,
		"email":        req.Customer.Email,
		"mobile":       req.Customer.Phone,
		"redirect_url": req.ReturnURL,
		"metadata":     req.Metadata,
	}
	if b.CallbackURL != "" {
		payload["callback_url"] = b.CallbackURL
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return PaymentIntent{}, err
	}
	api := b.api()
	resp, err := b.withToken(ctx, func(token string) (apiResponse, error) {
		h := bearer(token)
		h.Set("Content-Type", "application/json")
		return api.do(ctx, http.MethodPost, "/v1/bills", bytes.NewReader(data), h)
	})
	if err != nil {
		return PaymentIntent{}, err
	}
	if !resp.ok() {
		return PaymentIntent{}, api.failure(resp)
	}
	var bill billRecord
	if err := api.decode(resp, &bill); err != nil {
		return PaymentIntent{}, err
	}
	if bill.ID == "" || bill.URL == "" {
		return PaymentIntent{}, &GatewayError{Provider: ProviderBillGateway, StatusCode: resp.status, Message: "response missing bill id or url"}
	}
	status := billStatus(string(bill.StatusID))
	if status.Terminal() {
		status = StatusRequiresAction
	}
	return PaymentIntent{
		ID:               bill.ID,
		Provider:         ProviderBillGateway,
		OrderRef:         req.OrderRef,
		Reference:        req.Reference,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Status:           status,
		Metadata:         copyMetadata(req.Metadata),
		RedirectURL:      bill.URL,
	}, nil
}

// GetStatus searches bills by merchant reference; the gateway has no lookup by id.
func (b BillGateway) GetStatus(ctx context.Context, intent PaymentIntent) (StatusReport, error) {
	if intent.Reference == "" {
		return StatusReport{}, invalid("reference", "bill gateway status requires the merchant reference")
	}
	api := b.api()
	path := "/v1/bills?reference=" + url.QueryEscape(intent.Reference)
	resp, err := b.withToken(ctx, func(token string) (apiResponse, error) {
		return api.do(ctx, http.MethodGet, path, nil, bearer(token))
	})
	if err != nil {
		return StatusReport{}, err
	}
	if !resp.ok() {
		return StatusReport{}, api.failure(resp)
	}
	var body struct {
		Bills []billRecord `json:"bills"`
	}
	if err := api.decode(resp, &body); err != nil {
		return StatusReport{}, err
	}
	var match *billRecord
	for i := range body.Bills {
		if body.Bills[i].ID == intent.ID {
			match = &body.Bills[i]
			break
		}
	}
	if match == nil {
		return StatusReport{}, ErrIntentNotFound
	}
	raw, _ := json.Marshal(match)
	return StatusReport{
		ProviderPaymentID: match.ID,
		ReportedStatus:    string(match.StatusID),
		Status:            billStatus(string(match.StatusID)),
		AmountMinorUnits:  match.Amount,
		Currency:          strings.ToLower(match.Currency),
		Metadata:          stringMap(match.Metadata),
		Raw:               raw,
	}, nil
}

// ValidateWebhook compares X-Signature against an HMAC-SHA256 of the raw body.
// Any mismatch fails closed.
func (b BillGateway) ValidateWebhook(_ context.Context, r *http.Request, body []byte) (WebhookClaim, error) {
	if strings.TrimSpace(b.WebhookSecret) == "" {
		return WebhookClaim{}, signatureError(ProviderBillGateway, "webhook secret not configured")
	}
	provided := strings.TrimSpace(r.Header.Get("X-Signature"))
	if provided == "" {
		return WebhookClaim{}, signatureError(ProviderBillGateway, "missing signature header")
	}
	if !common.EqualHexMAC(common.HMACSHA256Hex(b.WebhookSecret, body), provided) {
		return WebhookClaim{}, signatureError(ProviderBillGateway, "signature mismatch")
	}
	var bill billRecord
	if err := json.Unmarshal(body, &bill); err != nil {
		return WebhookClaim{}, invalid("body", "malformed bill payload")
	}
	if bill.ID == "" {
		return WebhookClaim{}, invalid("body", "bill id missing")
	}
	return WebhookClaim{
		ProviderPaymentID: bill.ID,
		Reference:         bill.Reference,
		ReportedStatus:    string(bill.StatusID),
		Status:            billStatus(string(bill.StatusID)),
		AmountMinorUnits:  bill.Amount,
		Currency:          strings.ToLower(bill.Currency),
		Metadata:          stringMap(bill.Metadata),
		Relevant:          true,
	}, nil
}

func billStatus(code string) IntentStatus {
	switch strings.TrimSpace(code) {
	case "1":
		return StatusSucceeded
	case "3":
		return StatusFailed
	case "4":
		return StatusCanceled
	default:
		return StatusRequiresAction
	}
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
