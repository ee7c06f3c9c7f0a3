package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// Milestones reported while a bundle is created.
const (
	StepLimitCheck      = "Checking bundle limit"
	StepAccountCheck    = "Verifying Stripe account"
	StepContent         = "Validating content"
	StepProduct         = "Creating Stripe product"
	StepPrice           = "Creating Stripe price"
	StepFinalize        = "Finalizing bundle"
	StepCreatorCounters = "Updating creator stats"
)

const defaultBundleCurrency = "usd"

var (
	ErrBundleLimit     = errors.New("free plan bundle limit reached")
	ErrNoPayoutAccount = errors.New("creator has no connected Stripe account")
	ErrAccountNotReady = errors.New("connected Stripe account cannot accept payments yet")
	ErrContentNotOwned = errors.New("content does not belong to the creator")
	ErrContentMissing  = errors.New("content not found")
)

// Creator creates a bundle from a job: Stripe product and price on the
// creator's connected account, then the bundle document. Completed steps are
// not undone when a later step fails; the bundle id equals the job id so a
// retried finalize overwrites rather than duplicates.
type Creator struct {
	store     *storage.Store
	payments  payment.Client
	freeLimit int
	now       func() time.Time
}

// NewCreator creates a Creator. freeLimit caps bundles for creators on the free plan.
func NewCreator(store *storage.Store, payments payment.Client, freeLimit int) *Creator {
	return &Creator{store: store, payments: payments, freeLimit: freeLimit, now: time.Now}
}

func (c *Creator) Process(ctx context.Context, job *model.BundleJob, progress ProgressFunc) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "create_bundle")
	defer span.End()

	req := job.Request

	if err := progress(ctx, 10, StepLimitCheck); err != nil {
		return "", err
	}
	creator, err := c.store.GetUser(ctx, job.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		creator = &model.User{UID: job.UserID, Plan: model.PlanFree}
	} else if err != nil {
		return "", fmt.Errorf("load creator: %w", err)
	}
	if creator.Plan == "" || creator.Plan == model.PlanFree {
		n, err := c.store.CountCreatorBundles(ctx, job.UserID)
		if err != nil {
			return "", fmt.Errorf("count bundles: %w", err)
		}
		// A retry after finalize already counts this job's own bundle.
		if _, err := c.store.GetBundle(ctx, job.ID); err == nil {
			n--
		}
		if n >= c.freeLimit {
			return "", Permanent(fmt.Errorf("%w (%d of %d)", ErrBundleLimit, n, c.freeLimit))
		}
	}

	if err := progress(ctx, 25, StepAccountCheck); err != nil {
		return "", err
	}
	if creator.StripeAccountID == "" {
		return "", Permanent(ErrNoPayoutAccount)
	}
	acct, err := c.payments.GetAccount(ctx, creator.StripeAccountID)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			return "", Permanent(fmt.Errorf("%w: %v", ErrNoPayoutAccount, err))
		}
		return "", fmt.Errorf("check stripe account: %w", err)
	}
	if !acct.Ready() {
		return "", Permanent(ErrAccountNotReady)
	}

	if err := progress(ctx, 40, StepContent); err != nil {
		return "", err
	}
	items := make([]model.ContentItem, 0, len(req.ContentIDs))
	for _, id := range req.ContentIDs {
		up, err := c.store.GetUpload(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return "", Permanent(fmt.Errorf("%w: %s", ErrContentMissing, id))
		}
		if err != nil {
			return "", fmt.Errorf("load upload %s: %w", id, err)
		}
		if up.UserID != "" && up.UserID != job.UserID {
			return "", Permanent(fmt.Errorf("%w: %s", ErrContentNotOwned, id))
		}
		items = append(items, up.ContentItem())
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = defaultBundleCurrency
	}

	if err := progress(ctx, 55, StepProduct); err != nil {
		return "", err
	}
	productID, err := c.payments.CreateProduct(ctx, payment.ProductInput{
		AccountID:   creator.StripeAccountID,
		Name:        req.Title,
		Description: req.Description,
		Metadata:    map[string]string{"creatorId": job.UserID, "bundleId": job.ID, "jobId": job.ID},
	})
	if err != nil {
		return "", fmt.Errorf("create stripe product: %w", err)
	}

	if err := progress(ctx, 70, StepPrice); err != nil {
		return "", err
	}
	priceID, err := c.payments.CreatePrice(ctx, payment.PriceInput{
		AccountID:  creator.StripeAccountID,
		ProductID:  productID,
		UnitAmount: payment.ToMinorUnits(decimal.NewFromFloat(req.Price), currency),
		Currency:   currency,
	})
	if err != nil {
		return "", fmt.Errorf("create stripe price: %w", err)
	}

	if err := progress(ctx, 85, StepFinalize); err != nil {
		return "", err
	}
	now := c.now().UTC()
	b := &model.Bundle{
		ID:              job.ID,
		Title:           req.Title,
		Description:     req.Description,
		Price:           req.Price,
		Currency:        currency,
		CreatorID:       job.UserID,
		StripeProductID: productID,
		StripePriceID:   priceID,
		Status:          "active",
		ContentItems:    append([]string(nil), req.ContentIDs...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(items) > 0 {
		b.ThumbnailURL = items[0].ThumbnailURL
	}
	detailed := make([]interface{}, len(items))
	for i, it := range items {
		detailed[i] = it.Map()
	}
	b.SetField("detailedContentItems", detailed)
	if req.Category != "" {
		b.SetField("category", req.Category)
	}
	if len(req.Tags) > 0 {
		b.SetField("tags", req.Tags)
	}
	if err := c.store.SaveBundle(ctx, b); err != nil {
		return "", fmt.Errorf("save bundle: %w", err)
	}

	if err := progress(ctx, 100, StepCreatorCounters); err != nil {
		return "", err
	}
	if err := c.store.IncrementBundleCount(ctx, job.UserID, b.ID); err != nil {
		return "", fmt.Errorf("increment bundle count: %w", err)
	}
	return b.ID, nil
}
