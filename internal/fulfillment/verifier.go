package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// Verification methods reported in VerificationDetails.
const (
	MethodSession       = "session"
	MethodPaymentIntent = "payment_intent"
)

// ErrPaymentIncomplete is returned when the checkout has not been paid yet.
var ErrPaymentIncomplete = errors.New("payment not completed")

// ErrMissingPaymentReference is returned when neither a session nor a payment intent id was given.
var ErrMissingPaymentReference = errors.New("sessionId or paymentIntentId is required")

// VerifyResult is the outcome of a successful verification.
type VerifyResult struct {
	Purchase         *model.Purchase
	PaymentIntent    *model.PaymentIntent
	Bundle           *model.Bundle
	Creator          model.CreatorInfo
	AlreadyProcessed bool
	Details          model.VerificationDetails
}

// Response converts the result into the endpoint's success body.
func (v *VerifyResult) Response() model.VerifyResponse {
	resp := model.VerifyResponse{
		Success:             true,
		AlreadyProcessed:    v.AlreadyProcessed,
		Purchase:            v.Purchase,
		PaymentIntent:       v.PaymentIntent,
		Creator:             v.Creator,
		VerificationDetails: v.Details,
	}
	if v.Bundle != nil {
		resp.ProductBox = v.Bundle.Document()
		resp.ProductBox["id"] = v.Bundle.ID
	}
	return resp
}

// Verifier confirms a checkout directly with Stripe and records the purchase if
// the webhook has not done so yet.
type Verifier struct {
	payments payment.Client
	store    *storage.Store
	recorder *Recorder
	now      func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(payments payment.Client, store *storage.Store, recorder *Recorder) *Verifier {
	return &Verifier{payments: payments, store: store, recorder: recorder, now: time.Now}
}

// Verify resolves req to a checkout session, returns the existing purchase when
// one was already recorded, and otherwise records it from the paid session.
func (v *Verifier) Verify(ctx context.Context, req model.VerifyRequest) (*VerifyResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "verify_purchase")
	defer span.End()

	var (
		session *model.CheckoutSession
		intent  *model.PaymentIntent
		method  string
		err     error
	)
	switch {
	case req.SessionID != "":
		method = MethodSession
		session, err = v.payments.GetCheckoutSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("retrieve checkout session: %w", err)
		}
	case req.PaymentIntentID != "":
		method = MethodPaymentIntent
		intent, err = v.payments.GetPaymentIntent(ctx, req.PaymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("retrieve payment intent: %w", err)
		}
		session, err = v.payments.FindSessionByPaymentIntent(ctx, req.PaymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("find checkout session: %w", err)
		}
	default:
		return nil, ErrMissingPaymentReference
	}
	span.SetAttributes(attribute.String("session.id", session.ID), attribute.String("verify.method", method))

	result := &VerifyResult{
		Details: model.VerificationDetails{
			Method:     method,
			SessionID:  session.ID,
			VerifiedAt: v.now().UTC(),
			PaidAt:     session.Created,
		},
	}

	existing, err := v.findExisting(ctx, session)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		result.AlreadyProcessed = true
		result.Purchase = existing
	} else {
		if !paid(session, intent) {
			return nil, fmt.Errorf("%w: session %s payment status %q", ErrPaymentIncomplete, session.ID, session.PaymentStatus)
		}
		if req.BuyerUID != "" && session.Meta("buyerUid", "buyer_user_id", "userId") == "" {
			session.Metadata = withMeta(session.Metadata, "buyerUid", req.BuyerUID)
		}
		p, err := v.recorder.RecordPurchase(ctx, *session, SourceVerification)
		if err != nil {
			return nil, err
		}
		result.Purchase = p
	}
	result.Details.MatchedKey = result.Purchase.ID

	result.PaymentIntent = v.intentSummary(ctx, session, intent)
	result.Creator = model.CreatorInfo{
		ID:       result.Purchase.CreatorID,
		Name:     result.Purchase.CreatorName,
		Username: result.Purchase.CreatorUsername,
	}
	if b, err := v.store.GetBundle(ctx, result.Purchase.BundleID); err == nil {
		result.Bundle = b
	} else {
		slog.WarnContext(ctx, "verified purchase bundle unavailable", "bundle_id", result.Purchase.BundleID, "error", err)
	}

	slog.InfoContext(ctx, "purchase verified",
		"purchase_id", result.Purchase.ID,
		"method", method,
		"already_processed", result.AlreadyProcessed,
	)
	return result, nil
}

// findExisting looks the purchase up by session id, then by payment intent id.
func (v *Verifier) findExisting(ctx context.Context, s *model.CheckoutSession) (*model.Purchase, error) {
	p, err := v.store.GetPurchase(ctx, s.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup purchase: %w", err)
	}
	if s.PaymentIntentID == "" {
		return nil, nil
	}
	p, err = v.store.FindPurchaseByPaymentIntent(ctx, s.PaymentIntentID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup purchase by payment intent: %w", err)
	}
	return nil, nil
}

func (v *Verifier) intentSummary(ctx context.Context, s *model.CheckoutSession, intent *model.PaymentIntent) *model.PaymentIntent {
	if intent != nil {
		return intent
	}
	if s.PaymentIntentID != "" {
		pi, err := v.payments.GetPaymentIntent(ctx, s.PaymentIntentID)
		if err == nil {
			return pi
		}
		slog.WarnContext(ctx, "failed to load payment intent", "payment_intent_id", s.PaymentIntentID, "error", err)
	}
	status := "processing"
	if s.PaymentStatus == "paid" {
		status = "succeeded"
	}
	return &model.PaymentIntent{
		ID:       s.PaymentIntentID,
		Status:   status,
		Amount:   s.AmountTotal,
		Currency: s.Currency,
		Created:  s.Created,
	}
}

func paid(s *model.CheckoutSession, intent *model.PaymentIntent) bool {
	if s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required" {
		return true
	}
	return intent != nil && intent.Status == "succeeded"
}

func withMeta(m map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
