package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/noah-isme/paybridge/internal/resilience"
)

// Adapter is the provider-specific half of every payment operation. Call sites
// depend on this interface only.
type Adapter interface {
	Provider() Provider
	CreatePayment(ctx context.Context, req CreateRequest) (PaymentIntent, error)
	GetStatus(ctx context.Context, intent PaymentIntent) (StatusReport, error)
	// ValidateWebhook checks authenticity of body and parses it. The request is
	// only consulted for headers.
	ValidateWebhook(ctx context.Context, r *http.Request, body []byte) (WebhookClaim, error)
}

// MethodUpdater is implemented by adapters that can rebind a pending payment
// to a different instrument.
type MethodUpdater interface {
	UpdatePaymentMethod(ctx context.Context, intent PaymentIntent, method string) (PaymentIntent, error)
}

// Registry resolves adapters by provider.
type Registry map[Provider]Adapter

// NewRegistry indexes adapters by the provider they serve.
func NewRegistry(adapters ...Adapter) Registry {
	reg := make(Registry, len(adapters))
	for _, a := range adapters {
		if a != nil {
			reg[a.Provider()] = a
		}
	}
	return reg
}

// Get returns the adapter for p.
func (r Registry) Get(p Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
	}
	return a, nil
}

const maxResponseBytes = 1 << 20

// apiClient issues provider calls through the resilient HTTP client and turns
// transport failures into GatewayErrors.
type apiClient struct {
	provider Provider
	baseURL  string
	http     resilience.HTTPClient
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) ok() bool { return r.status >= 200 && r.status < 300 }

func (c apiClient) do(ctx context.Context, method, path string, body io.Reader, header http.Header) (apiResponse, error) {
	url := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("payment: build %s request: %w", c.provider, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return apiResponse{}, ctx.Err()
		}
		return apiResponse{}, &GatewayError{Provider: c.provider, Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apiResponse{}, &GatewayError{Provider: c.provider, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	return apiResponse{status: resp.StatusCode, body: data}, nil
}

func (c apiClient) decode(resp apiResponse, v any) error {
	if err := json.Unmarshal(resp.body, v); err != nil {
		return &GatewayError{Provider: c.provider, StatusCode: resp.status, Message: "malformed response", Err: err}
	}
	return nil
}

// failure extracts whatever error description the provider returned.
func (c apiClient) failure(resp apiResponse) *GatewayError {
	gerr := &GatewayError{Provider: c.provider, StatusCode: resp.status}
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Code    string          `json:"code"`
	}
	if json.Unmarshal(resp.body, &body) == nil {
		gerr.Message = body.Message
		gerr.Code = body.Code
		if len(body.Error) > 0 {
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
				Type    string `json:"type"`
			}
			var plain string
			switch {
			case json.Unmarshal(body.Error, &nested) == nil:
				if nested.Code != "" {
					gerr.Code = nested.Code
				} else if nested.Type != "" {
					gerr.Code = nested.Type
				}
				if nested.Message != "" {
					gerr.Message = nested.Message
				}
			case json.Unmarshal(body.Error, &plain) == nil && gerr.Message == "":
				gerr.Message = plain
			}
		}
	}
	if gerr.Message == "" {
		gerr.Message = http.StatusText(resp.status)
	}
	return gerr
}

func signatureError(p Provider, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidSignature, p, reason)
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// stringMap flattens provider metadata that may carry non-string JSON values.
func stringMap(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			b, err := json.Marshal(t)
			if err == nil {
				out[k] = string(b)
			}
		}
	}
	return out
}
