package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// Webhook outcomes, used as the metric label and in logs.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// WebhookProcessor applies verified Stripe events.
type WebhookProcessor struct {
	recorder *Recorder
	store    *storage.Store
	metrics  *metrics.Metrics
}

// NewWebhookProcessor creates a WebhookProcessor.
func NewWebhookProcessor(recorder *Recorder, store *storage.Store) *WebhookProcessor {
	return &WebhookProcessor{recorder: recorder, store: store, metrics: metrics.NewMetrics()}
}

// Process handles one event. A returned error should be answered with a 5xx so
// Stripe redelivers; unknown event types are ignored.
func (w *WebhookProcessor) Process(ctx context.Context, ev *payment.Event) (outcome string, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "process_webhook")
	defer span.End()

	defer func() {
		if err != nil {
			outcome = OutcomeError
		}
		w.metrics.WebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
	}()

	switch ev.Type {
	case payment.EventCheckoutCompleted:
		if ev.Session == nil {
			return OutcomeIgnored, nil
		}
		return w.checkoutCompleted(ctx, ev.Session)
	case payment.EventSubscriptionUpdated:
		return w.subscriptionChanged(ctx, ev.Subscription, false)
	case payment.EventSubscriptionDeleted:
		return w.subscriptionChanged(ctx, ev.Subscription, true)
	default:
		slog.InfoContext(ctx, "ignoring unhandled stripe event", "event_id", ev.ID, "type", ev.Type)
		return OutcomeIgnored, nil
	}
}

func (w *WebhookProcessor) checkoutCompleted(ctx context.Context, s *model.CheckoutSession) (string, error) {
	if s.IsSubscription() {
		return w.upgradePlan(ctx, s)
	}
	if s.BundleID() == "" {
		slog.InfoContext(ctx, "checkout session without bundle metadata", "session_id", s.ID)
		return OutcomeIgnored, nil
	}
	if _, err := w.recorder.RecordPurchase(ctx, *s, SourceWebhook); err != nil {
		return OutcomeError, fmt.Errorf("record purchase for session %s: %w", s.ID, err)
	}
	return OutcomeProcessed, nil
}

func (w *WebhookProcessor) upgradePlan(ctx context.Context, s *model.CheckoutSession) (string, error) {
	uid := s.Meta("userId", "buyerUid", "buyer_user_id", "firebaseUid")
	if uid == "" && s.CustomerID != "" {
		u, err := w.store.FindUserByCustomerID(ctx, s.CustomerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return OutcomeError, fmt.Errorf("find user by customer: %w", err)
		}
		if u != nil {
			uid = u.UID
		}
	}
	if uid == "" {
		slog.WarnContext(ctx, "subscription checkout without a resolvable user", "session_id", s.ID, "customer_id", s.CustomerID)
		return OutcomeIgnored, nil
	}

	plan := s.Meta("plan")
	if plan == "" {
		plan = model.PlanPro
	}
	err := w.store.UpdateUser(ctx, uid, func(u *model.User) error {
		u.Plan = plan
		u.SubscriptionStatus = "active"
		if s.SubscriptionID != "" {
			u.SubscriptionID = s.SubscriptionID
		}
		if s.CustomerID != "" {
			u.StripeCustomerID = s.CustomerID
		}
		return nil
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("upgrade user %s: %w", uid, err)
	}
	slog.InfoContext(ctx, "user plan upgraded", "uid", uid, "plan", plan)
	return OutcomeProcessed, nil
}

func (w *WebhookProcessor) subscriptionChanged(ctx context.Context, sub *model.Subscription, deleted bool) (string, error) {
	if sub == nil {
		return OutcomeIgnored, nil
	}
	uid := sub.Metadata["userId"]
	if uid == "" && sub.CustomerID != "" {
		u, err := w.store.FindUserByCustomerID(ctx, sub.CustomerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return OutcomeError, fmt.Errorf("find user by customer: %w", err)
		}
		if u != nil {
			uid = u.UID
		}
	}
	if uid == "" {
		slog.WarnContext(ctx, "subscription event for unknown customer", "subscription_id", sub.ID, "customer_id", sub.CustomerID)
		return OutcomeIgnored, nil
	}

	err := w.store.UpdateUser(ctx, uid, func(u *model.User) error {
		u.SubscriptionID = sub.ID
		u.SubscriptionStatus = sub.Status
		switch {
		case deleted:
			u.Plan = model.PlanFree
			u.SubscriptionStatus = "canceled"
		case sub.Status == "active" || sub.Status == "trialing":
			if p := sub.Metadata["plan"]; p != "" {
				u.Plan = p
			} else if u.Plan == "" || u.Plan == model.PlanFree {
				u.Plan = model.PlanPro
			}
		case sub.Status == "canceled" || sub.Status == "unpaid" || sub.Status == "incomplete_expired":
			u.Plan = model.PlanFree
		}
		return nil
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("update subscription for %s: %w", uid, err)
	}
	slog.InfoContext(ctx, "subscription updated", "uid", uid, "status", sub.Status, "deleted", deleted)
	return OutcomeProcessed, nil
}
