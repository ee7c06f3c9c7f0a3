package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
)

type creatorFixture struct {
	store    *storage.Store
	payments *payment.Fake
	creator  *Creator
	steps    []string
}

func newCreatorFixture(t *testing.T, plan string) *creatorFixture {
	t.Helper()
	ctx := context.Background()
	f := &creatorFixture{
		store:    storage.New(storage.NewMemory()),
		payments: payment.NewFake(),
	}
	f.creator = NewCreator(f.store, f.payments, 3)

	if err := f.store.SaveUser(ctx, &model.User{UID: "c1", Plan: plan, StripeAccountID: "acct_1"}); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}
	f.payments.AddAccount(payment.Account{ID: "acct_1", ChargesEnabled: true, DetailsSubmitted: true})
	for _, up := range []model.Upload{
		{ID: "u1", UserID: "c1", Title: "Intro", URL: "https://cdn.example/u1.mp4", MimeType: "video/mp4", Size: 1000, ThumbnailURL: "https://cdn.example/u1.jpg"},
		{ID: "u2", UserID: "c1", Filename: "loop.wav", URL: "https://cdn.example/u2.wav", MimeType: "audio/wav", Size: 500},
		{ID: "other", UserID: "c2", Title: "Not mine", URL: "https://cdn.example/x.pdf"},
	} {
		up := up
		if err := f.store.SaveUpload(ctx, &up); err != nil {
			t.Fatalf("SaveUpload() error = %v", err)
		}
	}
	return f
}

func (f *creatorFixture) progress(ctx context.Context, p int, step string) error {
	f.steps = append(f.steps, step)
	return nil
}

func (f *creatorFixture) job(id string, contentIDs ...string) *model.BundleJob {
	return &model.BundleJob{
		ID:     id,
		UserID: "c1",
		Request: model.BundleJobRequest{
			Title:      "Synth Pack",
			Price:      9.99,
			ContentIDs: contentIDs,
			Tags:       []string{"synth"},
		},
	}
}

func TestCreatorCreatesBundle(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanFree)

	id, err := f.creator.Process(ctx, f.job("J1", "u1", "u2"), f.progress)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if id != "J1" {
		t.Errorf("bundle id = %q, want job id", id)
	}

	wantSteps := []string{StepLimitCheck, StepAccountCheck, StepContent, StepProduct, StepPrice, StepFinalize, StepCreatorCounters}
	if len(f.steps) != len(wantSteps) {
		t.Fatalf("steps = %v", f.steps)
	}
	for i := range wantSteps {
		if f.steps[i] != wantSteps[i] {
			t.Errorf("step %d = %q, want %q", i, f.steps[i], wantSteps[i])
		}
	}

	prices := f.payments.Prices()
	if len(prices) != 1 || prices[0].UnitAmount != 999 || prices[0].Currency != "usd" || prices[0].AccountID != "acct_1" {
		t.Errorf("prices = %+v", prices)
	}
	products := f.payments.Products()
	if len(products) != 1 || products[0].Metadata["bundleId"] != "J1" {
		t.Errorf("products = %+v", products)
	}

	b, err := f.store.GetBundle(ctx, "J1")
	if err != nil {
		t.Fatalf("GetBundle() error = %v", err)
	}
	if b.CreatorID != "c1" || b.StripeProductID != "prod_1" || b.StripePriceID != "price_1" || b.ThumbnailURL != "https://cdn.example/u1.jpg" {
		t.Errorf("bundle = %+v", b)
	}
	if len(b.ContentItems) != 2 {
		t.Errorf("contentItems = %v", b.ContentItems)
	}
	detailed, _ := b.Field("detailedContentItems").([]interface{})
	if len(detailed) != 2 {
		t.Errorf("detailedContentItems = %v", b.Field("detailedContentItems"))
	}

	u, _ := f.store.GetUser(ctx, "c1")
	if u.BundleCount != 1 {
		t.Errorf("bundleCount = %d, want 1", u.BundleCount)
	}
}

func TestCreatorFreeLimit(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanFree)
	for _, id := range []string{"B1", "B2", "B3"} {
		if err := f.store.SaveBundle(ctx, &model.Bundle{ID: id, CreatorID: "c1", Title: id}); err != nil {
			t.Fatalf("SaveBundle() error = %v", err)
		}
	}

	_, err := f.creator.Process(ctx, f.job("J4", "u1"), f.progress)
	if !errors.Is(err, ErrBundleLimit) || !IsPermanent(err) {
		t.Fatalf("Process() error = %v, want permanent ErrBundleLimit", err)
	}
	if f.payments.Calls("CreateProduct") != 0 {
		t.Error("product created past the free limit")
	}
}

func TestCreatorProPlanHasNoLimit(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanPro)
	for _, id := range []string{"B1", "B2", "B3", "B4"} {
		f.store.SaveBundle(ctx, &model.Bundle{ID: id, CreatorID: "c1", Title: id})
	}

	if _, err := f.creator.Process(ctx, f.job("J5", "u1"), f.progress); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}

func TestCreatorRetryAfterFinalizeDoesNotCountItself(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanFree)
	f.store.SaveBundle(ctx, &model.Bundle{ID: "B1", CreatorID: "c1"})
	f.store.SaveBundle(ctx, &model.Bundle{ID: "B2", CreatorID: "c1"})
	// J3 finalized on a previous attempt, which then failed on the counter update.
	f.store.SaveBundle(ctx, &model.Bundle{ID: "J3", CreatorID: "c1"})

	if _, err := f.creator.Process(ctx, f.job("J3", "u1"), f.progress); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n, _ := f.store.CountCreatorBundles(ctx, "c1"); n != 3 {
		t.Errorf("bundles = %d, want 3", n)
	}
}

func TestCreatorRerunCountsBundleOnce(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanFree)

	// A worker that completed every step but lost its lease before recording the
	// result leaves the job to be processed again from the start.
	for i := 0; i < 2; i++ {
		if _, err := f.creator.Process(ctx, f.job("J1", "u1"), f.progress); err != nil {
			t.Fatalf("Process() #%d error = %v", i+1, err)
		}
	}

	u, err := f.store.GetUser(ctx, "c1")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u.BundleCount != 1 {
		t.Errorf("bundleCount = %d, want 1", u.BundleCount)
	}
}

func TestCreatorAccountChecks(t *testing.T) {
	ctx := context.Background()

	f := newCreatorFixture(t, model.PlanFree)
	f.store.UpdateUser(ctx, "c1", func(u *model.User) error {
		u.StripeAccountID = ""
		return nil
	})
	if _, err := f.creator.Process(ctx, f.job("J1", "u1"), f.progress); !errors.Is(err, ErrNoPayoutAccount) || !IsPermanent(err) {
		t.Errorf("no account error = %v", err)
	}

	f = newCreatorFixture(t, model.PlanFree)
	f.payments.AddAccount(payment.Account{ID: "acct_1", DetailsSubmitted: true})
	if _, err := f.creator.Process(ctx, f.job("J1", "u1"), f.progress); !errors.Is(err, ErrAccountNotReady) {
		t.Errorf("not ready error = %v", err)
	}

	f = newCreatorFixture(t, model.PlanFree)
	f.payments.FailNext("GetAccount", errors.New("stripe timeout"))
	_, err := f.creator.Process(ctx, f.job("J1", "u1"), f.progress)
	if err == nil || IsPermanent(err) {
		t.Errorf("transient account error = %v, want retryable", err)
	}
}

func TestCreatorContentChecks(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanFree)

	if _, err := f.creator.Process(ctx, f.job("J1", "u1", "other"), f.progress); !errors.Is(err, ErrContentNotOwned) {
		t.Errorf("foreign content error = %v", err)
	}
	if _, err := f.creator.Process(ctx, f.job("J2", "missing"), f.progress); !errors.Is(err, ErrContentMissing) {
		t.Errorf("missing content error = %v", err)
	}
	if f.payments.Calls("CreateProduct") != 0 {
		t.Error("product created for invalid content")
	}
}

func TestQueueWithCreatorRetriesStripeFailure(t *testing.T) {
	ctx := context.Background()
	f := newCreatorFixture(t, model.PlanFree)
	f.payments.FailNext("CreatePrice", errors.New("stripe 500"))

	q := NewQueue(f.store, f.creator, event.NewNoop(), Options{})
	clk := &clock{now: f.creator.now()}
	q.now = clk.Now

	job, err := q.Submit(ctx, "c1", f.job("", "u1").Request)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	q.RunDue(ctx)
	got, _ := q.Get(ctx, job.ID)
	if got.Status != model.JobRetrying || got.Error != "create stripe price: stripe 500" {
		t.Fatalf("after failure job = %s %q", got.Status, got.Error)
	}

	clk.Advance(Backoff(0))
	q.RunDue(ctx)
	got, _ = q.Get(ctx, job.ID)
	if got.Status != model.JobCompleted || got.BundleID != job.ID || got.RetryCount != 1 {
		t.Fatalf("final job = %+v", got)
	}
	// The first attempt's product is orphaned, not rolled back.
	if n := len(f.payments.Products()); n != 2 {
		t.Errorf("products = %d, want 2", n)
	}
}
