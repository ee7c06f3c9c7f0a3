package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/RegistryAccord/registryaccord-commerce-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/fulfillment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// verifyMaxRetries is how many times clients are told to retry a retryable verification.
const verifyMaxRetries = 3

// handleStripeWebhook handles POST /api/webhooks/stripe. A 5xx makes Stripe redeliver.
func (m *Mux) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleStripeWebhook")
	defer span.End()
	correlationID := correlationIDFrom(ctx)

	payload, err := readBody(r, maxWebhookBytes)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_BAD_REQUEST, "failed to read body", correlationID))
		return
	}

	ev, err := payment.ParseEvent(payload, r.Header.Get("Stripe-Signature"), m.deps.WebhookSecret)
	if err != nil {
		span.SetStatus(codes.Error, "rejected event")
		slog.WarnContext(ctx, "stripe webhook rejected", "error", err, "correlation_id", correlationID)
		code := errordefs.COMMERCE_BAD_REQUEST
		if errors.Is(err, payment.ErrInvalidSignature) {
			code = errordefs.COMMERCE_SIGNATURE
		}
		m.writeErrorDef(w, errordefs.New(code, err.Error(), correlationID))
		return
	}
	span.SetAttributes(attribute.String("stripe.event_id", ev.ID), attribute.String("stripe.event_type", ev.Type))

	outcome, err := m.deps.Webhooks.Process(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		slog.ErrorContext(ctx, "stripe webhook processing failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
			"correlation_id", correlationID,
		)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, err.Error(), correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"eventId":  ev.ID,
		"outcome":  outcome,
	})
}

// handleVerifyPurchase handles POST /api/purchases/verify. Unlike the other
// endpoints it answers with the verification body itself, and failures carry
// debug information for support.
func (m *Mux) handleVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleVerifyPurchase")
	defer span.End()
	correlationID := correlationIDFrom(ctx)

	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		m.writeVerifyFailure(w, http.StatusBadRequest, errordefs.COMMERCE_BAD_REQUEST, err, nil, correlationID)
		return
	}
	if err := m.deps.Validator.Validate(schema.PurchaseVerify, body); err != nil {
		m.writeVerifyFailure(w, http.StatusBadRequest, errordefs.COMMERCE_VALIDATION, err, nil, correlationID)
		return
	}
	var req model.VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeVerifyFailure(w, http.StatusBadRequest, errordefs.COMMERCE_BAD_REQUEST, err, nil, correlationID)
		return
	}

	// The buyer may identify through the body or the Authorization header.
	token := req.IDToken
	if token == "" {
		token, _ = bearerToken(r)
	}
	if token != "" {
		uid, err := m.deps.Tokens.VerifyIDToken(ctx, token)
		if err != nil {
			m.writeVerifyFailure(w, http.StatusUnauthorized, errordefs.COMMERCE_AUTHN, err, &req, correlationID)
			return
		}
		req.BuyerUID = uid
	}
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("payment_intent.id", req.PaymentIntentID),
		attribute.Bool("buyer.signed_in", req.BuyerUID != ""),
	)

	res, err := m.deps.Verifier.Verify(ctx, req)
	if err != nil {
		span.RecordError(err)
		status, code := verifyStatus(err)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "verification failed")
			slog.ErrorContext(ctx, "purchase verification failed", "error", err, "correlation_id", correlationID)
		}
		m.writeVerifyFailure(w, status, code, err, &req, correlationID)
		return
	}
	m.writeJSON(w, http.StatusOK, res.Response())
}

func verifyStatus(err error) (int, errordefs.ErrorCode) {
	switch {
	case errors.Is(err, fulfillment.ErrMissingPaymentReference), errors.Is(err, fulfillment.ErrMissingBundle):
		return http.StatusBadRequest, errordefs.COMMERCE_BAD_REQUEST
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, fulfillment.ErrBundleNotFound):
		return http.StatusNotFound, errordefs.COMMERCE_NOT_FOUND
	case errors.Is(err, fulfillment.ErrPaymentIncomplete):
		return http.StatusPaymentRequired, errordefs.COMMERCE_PAYMENT_INCOMPLETE
	default:
		return http.StatusInternalServerError, errordefs.COMMERCE_INTERNAL
	}
}

func (m *Mux) writeVerifyFailure(w http.ResponseWriter, status int, code errordefs.ErrorCode, err error, req *model.VerifyRequest, correlationID string) {
	debug := map[string]string{
		"correlationId": correlationID,
		"cause":         err.Error(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if req != nil {
		debug["sessionId"] = req.SessionID
		debug["paymentIntentId"] = req.PaymentIntentID
		debug["buyerSignedIn"] = boolString(req.BuyerUID != "")
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		for _, f := range verr.Fields {
			debug["field."+f.Field] = f.Message
		}
	}

	retryable := code == errordefs.COMMERCE_PAYMENT_INCOMPLETE || code == errordefs.COMMERCE_INTERNAL || code == errordefs.COMMERCE_NOT_FOUND
	failure := model.VerifyFailure{
		Error:          verifyMessage(code),
		Code:           string(code),
		Retryable:      retryable,
		DebugInfo:      debug,
		PossibleCauses: possibleCauses(code),
	}
	if retryable {
		failure.MaxRetries = verifyMaxRetries
	}
	m.writeJSON(w, status, failure)
}

func verifyMessage(code errordefs.ErrorCode) string {
	switch code {
	case errordefs.COMMERCE_VALIDATION, errordefs.COMMERCE_BAD_REQUEST:
		return "invalid verification request"
	case errordefs.COMMERCE_AUTHN:
		return "invalid ID token"
	case errordefs.COMMERCE_NOT_FOUND:
		return "purchase could not be found"
	case errordefs.COMMERCE_PAYMENT_INCOMPLETE:
		return "payment has not completed"
	default:
		return "purchase verification failed"
	}
}

func possibleCauses(code errordefs.ErrorCode) []string {
	switch code {
	case errordefs.COMMERCE_VALIDATION, errordefs.COMMERCE_BAD_REQUEST:
		return []string{
			"Request body is missing sessionId and paymentIntentId",
			"The checkout session has no bundle metadata",
		}
	case errordefs.COMMERCE_AUTHN:
		return []string{"The ID token expired", "The ID token belongs to another project"}
	case errordefs.COMMERCE_NOT_FOUND:
		return []string{
			"The session id was copied incorrectly",
			"The checkout was created in another Stripe mode (test vs live)",
			"The purchased bundle was deleted",
		}
	case errordefs.COMMERCE_PAYMENT_INCOMPLETE:
		return []string{
			"The payment is still processing",
			"The buyer abandoned checkout",
			"The card was declined",
		}
	default:
		return []string{"Stripe is temporarily unavailable", "The purchase store is temporarily unavailable"}
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// handleListPurchases handles GET /api/purchases for the caller.
func (m *Mux) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleListPurchases")
	defer span.End()
	correlationID := correlationIDFrom(ctx)
	uid := uidFrom(ctx)

	purchases, err := m.deps.Store.ListUserPurchases(ctx, uid)
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "failed to list purchases", "uid", uid, "error", err)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to list purchases", correlationID))
		return
	}
	for _, p := range purchases {
		p.BundleContent = m.deps.Signer.SignItems(ctx, p.BundleContent)
	}
	span.SetAttributes(attribute.Int("purchases.count", len(purchases)))
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"purchases": purchases})
}

// handleGetPurchase handles GET /api/purchases/{id}. Only the buyer may read it.
func (m *Mux) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetPurchase")
	defer span.End()
	correlationID := correlationIDFrom(ctx)
	id := mux.Vars(r)["id"]

	p, err := m.deps.Store.GetPurchase(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, "purchase not found", correlationID))
		return
	}
	if err != nil {
		span.RecordError(err)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to load purchase", correlationID))
		return
	}
	if p.BuyerUID != uidFrom(ctx) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHZ, "purchase belongs to another user", correlationID))
		return
	}
	p.BundleContent = m.deps.Signer.SignItems(ctx, p.BundleContent)
	m.writeSuccess(w, http.StatusOK, p)
}
