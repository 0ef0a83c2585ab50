package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/obs"
)

// IngestState is the lifecycle of one inbound webhook request.
type IngestState string

const (
	StateReceived   IngestState = "RECEIVED"
	StateValidating IngestState = "VALIDATING"
	StateAccepted   IngestState = "ACCEPTED"
	StateRejected   IngestState = "REJECTED"
)

type replayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Webhook ingests provider callbacks. A rejected callback never reaches the
// engine; an accepted one is always answered 200, even when the engine
// decides it is a no-op.
type Webhook struct {
	Adapters  Registry
	Intents   IntentStore
	Engine    Reconciler
	Replay    replayStore
	ReplayTTL time.Duration
	MaxBody   int64
	Logger    zerolog.Logger
	Now       func() time.Time
}

// IngestOutcome is the terminal state of a webhook request and the response it earns.
type IngestOutcome struct {
	State     IngestState
	Status    int
	Code      string
	Message   string
	Duplicate bool
	Ignored   bool
	Result    *ReconcileResult
	// Err is the cause of a rejection, when there is one.
	Err error
}

func rejected(status int, code, msg string) IngestOutcome {
	return IngestOutcome{State: StateRejected, Status: status, Code: code, Message: msg}
}

// Handle serves POST /webhooks/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	out := h.Ingest(r.Context(), chi.URLParam(r, "provider"), r)
	if out.State == StateRejected {
		common.JSONError(w, out.Status, out.Code, out.Message, nil)
		return
	}
	body := map[string]any{"state": out.State}
	switch {
	case out.Duplicate:
		body["action"] = ActionNoOp
		body["duplicate"] = true
	case out.Ignored:
		body["action"] = ActionNoOp
		body["ignored"] = true
	case out.Result != nil:
		body["action"] = out.Result.Action
		if out.Result.OrderStatus != "" {
			body["orderStatus"] = out.Result.OrderStatus
		}
	}
	common.JSON(w, out.Status, body)
}

// Ingest runs one request through RECEIVED, VALIDATING and then ACCEPTED or REJECTED.
func (h Webhook) Ingest(ctx context.Context, rawProvider string, r *http.Request) IngestOutcome {
	ctx, span := otel.Tracer("payment.Webhook").Start(ctx, "PaymentWebhook.Ingest")
	defer span.End()

	label := rawProvider
	out := h.ingest(ctx, rawProvider, r)
	if p, err := ParseProvider(rawProvider); err == nil {
		label = p.String()
	}
	result := string(out.State)
	if out.Code != "" {
		result = out.Code
	} else if out.Duplicate {
		result = "DUPLICATE"
	}
	obs.IncCounter(obs.PaymentWebhookTotal, label, result)
	span.SetAttributes(
		attribute.String("payment.provider", label),
		attribute.String("webhook.state", string(out.State)),
		attribute.String("webhook.result", result),
	)
	return out
}

func (h Webhook) ingest(ctx context.Context, rawProvider string, r *http.Request) IngestOutcome {
	if h.Adapters == nil || h.Engine == nil {
		return rejected(http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable")
	}
	provider, err := ParseProvider(rawProvider)
	if err != nil {
		return rejected(http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider")
	}
	adapter, err := h.Adapters.Get(provider)
	if err != nil {
		return rejected(http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider")
	}
	log := h.Logger.With().Str("provider", provider.String()).Str("remote_addr", common.ClientIP(r)).Logger()

	// RECEIVED: keep the exact bytes, signatures are computed over them.
	reader := io.Reader(r.Body)
	if h.MaxBody > 0 {
		reader = io.LimitReader(r.Body, h.MaxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return rejected(http.StatusBadRequest, "INVALID_BODY", "unable to read payload")
	}
	if h.MaxBody > 0 && int64(len(body)) > h.MaxBody {
		return rejected(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large")
	}

	// VALIDATING
	claim, err := adapter.ValidateWebhook(ctx, r, body)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			log.Warn().Err(err).Str("security_event", "invalid_webhook_signature").Msg("webhook_rejected")
			return rejected(http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		}
		log.Warn().Err(err).Msg("webhook_rejected")
		return rejected(http.StatusBadRequest, "WEBHOOK_INVALID", err.Error())
	}
	if !claim.Relevant {
		return IngestOutcome{State: StateAccepted, Status: http.StatusOK, Ignored: true}
	}
	if claim.Advisory {
		corroborated, out, ok := h.corroborate(ctx, adapter, claim, log)
		if !ok {
			return out
		}
		claim = corroborated
	}

	// ACCEPTED
	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:%s:%s", provider, common.Sha256Hex(body))
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			log.Error().Err(err).Msg("webhook_replay_store_error")
			return rejected(http.StatusServiceUnavailable, "REPLAY_STORE_ERROR", "temporarily unable to process webhook")
		}
		if !fresh {
			log.Info().Str("provider_payment_id", claim.ProviderPaymentID).Msg("webhook_duplicate")
			return IngestOutcome{State: StateAccepted, Status: http.StatusOK, Duplicate: true}
		}
	}

	ev := PaymentEvent{
		Provider:          provider,
		ProviderPaymentID: claim.ProviderPaymentID,
		ReportedStatus:    claim.ReportedStatus,
		Status:            claim.Status,
		AmountMinorUnits:  claim.AmountMinorUnits,
		Currency:          claim.Currency,
		Metadata:          claim.Metadata,
		RawPayload:        body,
		ReceivedVia:       ViaWebhook,
		ReceivedAt:        h.now().UTC(),
	}
	res, err := h.Engine.Apply(ctx, ev)
	if err != nil {
		// let the provider's retry reach the engine again
		if replayKey != "" {
			_ = h.Replay.Del(context.WithoutCancel(ctx), replayKey).Err()
		}
		log.Error().Err(err).Str("provider_payment_id", claim.ProviderPaymentID).Msg("webhook_reconcile_failed")
		return rejected(http.StatusInternalServerError, "RECONCILE_ERROR", "unable to process webhook")
	}
	log.Info().
		Str("provider_payment_id", claim.ProviderPaymentID).
		Str("action", string(res.Action)).
		Bool("conflict", res.Conflict).
		Msg("webhook_accepted")
	return IngestOutcome{State: StateAccepted, Status: http.StatusOK, Result: &res}
}

// notCorroborated rejects an advisory claim the provider did not confirm.
func notCorroborated(reason string) IngestOutcome {
	err := fmt.Errorf("%w: %s", ErrCorroboration, reason)
	appErr := HTTPError(err)
	out := rejected(appErr.HTTPStatus, appErr.Code, reason)
	out.Err = err
	return out
}

// corroborate confirms an advisory claim against the provider's status API.
// The provider's answer replaces the claim.
func (h Webhook) corroborate(ctx context.Context, adapter Adapter, claim WebhookClaim, log zerolog.Logger) (WebhookClaim, IngestOutcome, bool) {
	if h.Intents == nil {
		return claim, rejected(http.StatusServiceUnavailable, "CORROBORATION_UNAVAILABLE", "cannot verify notification"), false
	}
	intent, err := h.Intents.Get(ctx, adapter.Provider(), claim.ProviderPaymentID)
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			log.Warn().Str("security_event", "unknown_reference").Str("reference", claim.Reference).Msg("webhook_rejected")
			return claim, notCorroborated("unknown payment reference"), false
		}
		return claim, rejected(http.StatusServiceUnavailable, "CORROBORATION_UNAVAILABLE", "cannot verify notification"), false
	}
	report, err := adapter.GetStatus(ctx, intent)
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			return claim, notCorroborated("provider does not know this payment"), false
		}
		log.Warn().Err(err).Msg("webhook_corroboration_unavailable")
		return claim, rejected(http.StatusServiceUnavailable, "CORROBORATION_UNAVAILABLE", "cannot verify notification"), false
	}
	if report.Status != claim.Status {
		log.Warn().
			Str("security_event", "corroboration_failed").
			Str("claimed", string(claim.Status)).
			Str("reported", string(report.Status)).
			Str("reference", claim.Reference).
			Msg("webhook_rejected")
		return claim, notCorroborated("provider did not confirm the notification"), false
	}
	// the unsigned payload's metadata is never trusted
	return WebhookClaim{
		ProviderPaymentID: claim.ProviderPaymentID,
		Reference:         claim.Reference,
		ReportedStatus:    report.ReportedStatus,
		Status:            report.Status,
		AmountMinorUnits:  report.AmountMinorUnits,
		Currency:          report.Currency,
		Metadata:          copyMetadata(report.Metadata),
		Relevant:          true,
	}, IngestOutcome{}, true
}

func (h Webhook) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
