package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/credential"
)

var (
	ErrValidation          = errors.New("payment: validation failed")
	ErrGatewayAuth         = errors.New("payment: gateway rejected credentials")
	ErrGateway             = errors.New("payment: gateway error")
	ErrInvalidSignature    = errors.New("payment: invalid webhook signature")
	ErrInvalidState        = errors.New("payment: invalid state for operation")
	ErrPollTimeout         = errors.New("payment: verification timed out")
	ErrCorroboration       = errors.New("payment: webhook claim not corroborated")
	ErrIntentNotFound      = errors.New("payment: intent not found")
	ErrUnsupportedProvider = errors.New("payment: unsupported provider")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payment: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// GatewayError is a provider-side failure. Auth marks a credential rejection
// that survived the forced refresh.
type GatewayError struct {
	Provider   Provider
	StatusCode int
	Code       string
	Message    string
	Auth       bool
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("payment: %s responded %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("payment: %s: %s", e.Provider, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	if target == ErrGatewayAuth {
		return e.Auth
	}
	return target == ErrGateway
}

// HTTPError maps err onto the API error shape.
func HTTPError(err error) *common.AppError {
	if appErr, ok := common.AsAppError(err); ok {
		return appErr
	}
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return common.NewAppError("VALIDATION_ERROR", verr.Error(), http.StatusUnprocessableEntity, err).
			WithDetails(map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, ErrValidation):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrUnsupportedProvider):
		return common.NewAppError("PROVIDER_NOT_SUPPORTED", "unknown provider", http.StatusNotFound, err)
	case errors.Is(err, ErrIntentNotFound):
		return common.NewAppError("NOT_FOUND", "payment intent not found", http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidSignature):
		return common.NewAppError("INVALID_SIGNATURE", "signature verification failed", http.StatusUnauthorized, err)
	case errors.Is(err, ErrCorroboration):
		return common.NewAppError("CORROBORATION_FAILED", "provider did not confirm the notification", http.StatusBadRequest, err)
	case errors.Is(err, ErrInvalidState):
		return common.NewAppError("INVALID_STATE", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrPollTimeout):
		return common.NewAppError("PAYMENT_VERIFICATION_TIMEOUT", "payment is still being verified, please wait", http.StatusAccepted, err)
	case errors.Is(err, credential.ErrCredential):
		return common.NewAppError("CREDENTIAL_ERROR", "payment provider credentials unavailable", http.StatusBadGateway, err)
	case errors.Is(err, ErrGatewayAuth):
		return common.NewAppError("GATEWAY_AUTH_ERROR", "payment provider rejected credentials", http.StatusBadGateway, err)
	case errors.Is(err, ErrGateway):
		return common.NewAppError("GATEWAY_ERROR", "payment provider error", http.StatusBadGateway, err)
	case errors.Is(err, context.DeadlineExceeded):
		return common.NewAppError("GATEWAY_TIMEOUT", "payment provider timed out", http.StatusGatewayTimeout, err)
	default:
		return common.Internal(err)
	}
}
