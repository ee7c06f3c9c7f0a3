package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// Purchase sources.
const (
	SourceWebhook      = "webhook"
	SourceVerification = "verification"
)

const unknownCreator = "Unknown Creator"

var (
	// ErrMissingBundle is returned when the session metadata names no bundle.
	ErrMissingBundle = errors.New("checkout session has no bundleId or productBoxId metadata")
	// ErrBundleNotFound is returned when the purchased bundle does not exist.
	ErrBundleNotFound = errors.New("bundle not found")
)

// Recorder writes purchase records. Writes are keyed by checkout session id and
// overwrite, so recording the same session twice leaves one purchase.
type Recorder struct {
	store    *storage.Store
	resolver *Resolver
	guests   *Provisioner
	events   event.Publisher
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(store *storage.Store, resolver *Resolver, guests *Provisioner, events event.Publisher) *Recorder {
	return &Recorder{
		store:    store,
		resolver: resolver,
		guests:   guests,
		events:   events,
		metrics:  metrics.NewMetrics(),
		now:      time.Now,
	}
}

// RecordPurchase grants the buyer of session access to the purchased bundle.
// Only ErrMissingBundle, ErrBundleNotFound and storage failures are returned;
// buyer and creator lookups degrade instead of failing.
func (r *Recorder) RecordPurchase(ctx context.Context, s model.CheckoutSession, source string) (p *model.Purchase, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "record_purchase")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("purchase.source", source))

	bundleID := s.BundleID()
	if bundleID == "" {
		return nil, ErrMissingBundle
	}

	bundle, err := r.store.GetBundle(ctx, bundleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleID)
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", bundleID, err)
	}

	// A redelivered session keeps the first write's buyer, access token and
	// creation time. Its content snapshot is kept unless it was empty.
	prev, err := r.store.GetPurchase(ctx, s.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load purchase %s: %w", s.ID, err)
	}

	var buyer BuyerAccount
	if prev != nil && prev.BuyerUID != "" {
		buyer = BuyerAccount{UID: prev.BuyerUID, Created: prev.IsGuestPurchase}
	} else {
		buyer = r.resolveBuyer(ctx, s, bundle.Title)
	}
	content := r.resolver.ResolveBundle(ctx, bundle)
	creator := r.creatorInfo(ctx, bundle.CreatorID)
	price, currency := PurchasePrice(bundle, s)

	now := r.now().UTC()
	p = &model.Purchase{
		ID:              s.ID,
		SessionID:       s.ID,
		PaymentIntentID: s.PaymentIntentID,
		BundleID:        bundle.ID,
		BundleTitle:     bundle.Title,
		BundleThumbnail: bundle.ThumbnailURL,
		BuyerUID:        buyer.UID,
		BuyerEmail:      s.CustomerEmail,
		CreatorID:       bundle.CreatorID,
		CreatorName:     creator.Name,
		CreatorUsername: creator.Username,
		Price:           price,
		Currency:        currency,
		Status:          model.PurchaseStatusCompleted,
		BundleContent:   content,
		AccessToken:     uuid.NewString(),
		IsGuestPurchase: buyer.Guest(),
		Source:          source,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if prev != nil {
		p.AccessToken = prev.AccessToken
		p.CreatedAt = prev.CreatedAt
		if len(prev.BundleContent) > 0 {
			p.BundleContent = prev.BundleContent
		}
	}
	p.TotalSize, p.TotalDuration, p.ItemCount = ContentTotals(p.BundleContent)

	if err := r.store.SavePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("save purchase %s: %w", p.ID, err)
	}

	r.metrics.PurchasesRecordedTotal.WithLabelValues(source).Inc()
	if err := r.events.PublishPurchaseCompleted(ctx, p); err != nil {
		slog.WarnContext(ctx, "failed to publish purchase event", "purchase_id", p.ID, "error", err)
	}
	slog.InfoContext(ctx, "purchase recorded",
		"purchase_id", p.ID,
		"bundle_id", p.BundleID,
		"buyer_uid", p.BuyerUID,
		"guest", p.IsGuestPurchase,
		"items", p.ItemCount,
		"source", source,
	)
	return p, nil
}

func (r *Recorder) resolveBuyer(ctx context.Context, s model.CheckoutSession, bundleTitle string) BuyerAccount {
	uid := s.Meta("buyerUid", "buyer_user_id", "userId")
	guestCheckout := strings.EqualFold(s.Meta("is_guest_checkout"), "true")
	if uid != "" && uid != "anonymous" {
		return BuyerAccount{UID: uid}
	}
	if !guestCheckout && s.CustomerEmail == "" {
		slog.WarnContext(ctx, "checkout session has neither buyer uid nor email", "session_id", s.ID)
	}
	return r.guests.EnsureBuyerAccount(ctx, s.CustomerEmail, s.CustomerName, bundleTitle)
}

// creatorInfo loads display info best-effort.
func (r *Recorder) creatorInfo(ctx context.Context, creatorID string) model.CreatorInfo {
	info := model.CreatorInfo{ID: creatorID, Name: unknownCreator}
	if creatorID == "" {
		return info
	}
	u, err := r.store.GetUser(ctx, creatorID)
	if err != nil {
		slog.WarnContext(ctx, "failed to load creator", "creator_id", creatorID, "error", err)
		return info
	}
	switch {
	case u.DisplayName != "":
		info.Name = u.DisplayName
	case u.Username != "":
		info.Name = u.Username
	}
	info.Username = u.Username
	return info
}

// PurchasePrice picks the recorded price: the bundle's own price when positive,
// otherwise the session amount. Currency prefers the bundle, then the session, then usd.
func PurchasePrice(b *model.Bundle, s model.CheckoutSession) (float64, string) {
	currency := strings.ToLower(b.Currency)
	if currency == "" {
		currency = strings.ToLower(s.Currency)
	}
	if currency == "" {
		currency = "usd"
	}

	if b.Price > 0 {
		return b.Price, currency
	}
	sessionCurrency := s.Currency
	if sessionCurrency == "" {
		sessionCurrency = currency
	}
	amount := payment.FromMinorUnits(s.AmountTotal, sessionCurrency)
	if amount.GreaterThan(decimal.Zero) {
		f, _ := amount.Float64()
		return f, currency
	}
	return 0, currency
}
