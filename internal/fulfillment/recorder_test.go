package fulfillment

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
)

func TestRecordPurchaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBundle(t, 9.99)
	s := guestSession("cs_1", "a@x.com")

	first, err := f.recorder.RecordPurchase(ctx, s, SourceWebhook)
	if err != nil {
		t.Fatalf("first RecordPurchase() error = %v", err)
	}
	second, err := f.recorder.RecordPurchase(ctx, s, SourceVerification)
	if err != nil {
		t.Fatalf("second RecordPurchase() error = %v", err)
	}

	all, err := f.docs.List(ctx, storage.CollBundlePurchases)
	if err != nil || len(all) != 1 {
		t.Fatalf("bundlePurchases has %d docs (err %v), want 1", len(all), err)
	}
	if !reflect.DeepEqual(first.BundleContent, second.BundleContent) {
		t.Errorf("bundleContent differs between deliveries:\n%+v\n%+v", first.BundleContent, second.BundleContent)
	}
	if first.AccessToken != second.AccessToken || first.BuyerUID != second.BuyerUID {
		t.Errorf("redelivery changed identity: %s/%s vs %s/%s", first.AccessToken, first.BuyerUID, second.AccessToken, second.BuyerUID)
	}
	if !second.IsGuestPurchase {
		t.Error("redelivery cleared isGuestPurchase")
	}
	if len(f.guestUsers(t)) != 1 {
		t.Errorf("guest users = %d, want 1", len(f.guestUsers(t)))
	}
}

func TestRecordPurchaseSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBundle(t, 9.99)

	s := guestSession("cs_1", "a@x.com")
	s.Metadata = map[string]string{"bundleId": "B1", "buyerUid": "buyer-1"}
	p, err := f.recorder.RecordPurchase(ctx, s, SourceWebhook)
	if err != nil {
		t.Fatalf("RecordPurchase() error = %v", err)
	}

	if p.ID != "cs_1" || p.SessionID != "cs_1" || p.PaymentIntentID != "pi_cs_1" {
		t.Errorf("ids = %s/%s/%s", p.ID, p.SessionID, p.PaymentIntentID)
	}
	if p.BuyerUID != "buyer-1" || p.IsGuestPurchase {
		t.Errorf("buyer = %s guest=%v", p.BuyerUID, p.IsGuestPurchase)
	}
	if p.CreatorName != "Dana Beats" || p.CreatorUsername != "dana" {
		t.Errorf("creator = %s (%s)", p.CreatorName, p.CreatorUsername)
	}
	if p.ItemCount != 2 || p.TotalSize != 1500 || p.TotalDuration != 30 {
		t.Errorf("totals = %d items, %d bytes, %v s", p.ItemCount, p.TotalSize, p.TotalDuration)
	}
	if p.Status != model.PurchaseStatusCompleted || p.AccessToken == "" {
		t.Errorf("status = %s token = %q", p.Status, p.AccessToken)
	}

	mine, err := f.store.ListUserPurchases(ctx, "buyer-1")
	if err != nil || len(mine) != 1 || mine[0].ID != "cs_1" {
		t.Fatalf("ListUserPurchases() = %+v, %v", mine, err)
	}
	if got := f.events.Types(); len(got) != 1 {
		t.Errorf("events = %v, want one purchase event", got)
	}

	// Later bundle edits do not reach the recorded snapshot.
	f.seed(t, storage.CollBundles, "B1", map[string]interface{}{"title": "Synth Pack", "price": 9.99, "creatorId": "c1"})
	again, err := f.recorder.RecordPurchase(ctx, s, SourceWebhook)
	if err != nil {
		t.Fatalf("RecordPurchase() after edit error = %v", err)
	}
	if len(again.BundleContent) != 2 {
		t.Errorf("snapshot lost after bundle edit: %+v", again.BundleContent)
	}
}

func TestPurchasePricePrecedence(t *testing.T) {
	s := model.CheckoutSession{AmountTotal: 500, Currency: "usd"}

	price, cur := PurchasePrice(&model.Bundle{Price: 9.99, Currency: "USD"}, s)
	if price != 9.99 || cur != "usd" {
		t.Errorf("bundle price: got %v %s, want 9.99 usd", price, cur)
	}
	price, cur = PurchasePrice(&model.Bundle{}, s)
	if price != 5 || cur != "usd" {
		t.Errorf("session price: got %v %s, want 5 usd", price, cur)
	}
	price, cur = PurchasePrice(&model.Bundle{}, model.CheckoutSession{})
	if price != 0 || cur != "usd" {
		t.Errorf("no price: got %v %s", price, cur)
	}
	price, _ = PurchasePrice(&model.Bundle{}, model.CheckoutSession{AmountTotal: 1200, Currency: "jpy"})
	if price != 1200 {
		t.Errorf("zero-decimal currency: got %v, want 1200", price)
	}
}

func TestRecordPurchaseRecordsBundlePriceOverSession(t *testing.T) {
	f := newFixture(t)
	f.seedBundle(t, 9.99)

	p, err := f.recorder.RecordPurchase(context.Background(), guestSession("cs_1", "a@x.com"), SourceWebhook)
	if err != nil {
		t.Fatalf("RecordPurchase() error = %v", err)
	}
	if p.Price != 9.99 {
		t.Errorf("Price = %v, want 9.99", p.Price)
	}
}

func TestRecordPurchaseErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s := guestSession("cs_1", "a@x.com")
	s.Metadata = map[string]string{}
	if _, err := f.recorder.RecordPurchase(ctx, s, SourceWebhook); !errors.Is(err, ErrMissingBundle) {
		t.Errorf("missing metadata error = %v", err)
	}

	s = guestSession("cs_2", "a@x.com")
	s.Metadata = map[string]string{"productBoxId": "nope"}
	if _, err := f.recorder.RecordPurchase(ctx, s, SourceWebhook); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("missing bundle error = %v", err)
	}
	if f.idp.Count() != 0 {
		t.Error("guest account created for a purchase that could not be recorded")
	}
}

func TestRecordPurchaseUnknownCreator(t *testing.T) {
	f := newFixture(t)
	f.seed(t, storage.CollProductBoxes, "B1", map[string]interface{}{"title": "Old box", "price": 3, "creatorId": "ghost"})

	p, err := f.recorder.RecordPurchase(context.Background(), guestSession("cs_1", "a@x.com"), SourceWebhook)
	if err != nil {
		t.Fatalf("RecordPurchase() error = %v", err)
	}
	if p.CreatorName != "Unknown Creator" {
		t.Errorf("CreatorName = %q", p.CreatorName)
	}
	if len(p.BundleContent) != 0 || p.BundleContent == nil {
		t.Errorf("BundleContent = %#v, want empty", p.BundleContent)
	}
}

func TestGuestDedupAcrossSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBundle(t, 9.99)

	first, err := f.recorder.RecordPurchase(ctx, guestSession("cs_1", "a@x.com"), SourceWebhook)
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	second, err := f.recorder.RecordPurchase(ctx, guestSession("cs_2", "A@x.com"), SourceWebhook)
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}

	if guests := f.guestUsers(t); len(guests) != 1 {
		t.Fatalf("guest users = %d, want 1", len(guests))
	}
	if second.BuyerUID != first.BuyerUID {
		t.Errorf("second buyerUid = %s, want %s", second.BuyerUID, first.BuyerUID)
	}
	if !first.IsGuestPurchase || second.IsGuestPurchase {
		t.Errorf("isGuestPurchase = %v, %v; want true, false", first.IsGuestPurchase, second.IsGuestPurchase)
	}
	if n := len(f.outbox.Sent()); n != 1 {
		t.Errorf("welcome emails = %d, want 1", n)
	}
}

func TestGuestProvisioningFailuresDoNotBlockPurchase(t *testing.T) {
	ctx := context.Background()

	t.Run("email failure", func(t *testing.T) {
		f := newFixture(t)
		f.seedBundle(t, 9.99)
		f.outbox.Err = errors.New("smtp down")

		p, err := f.recorder.RecordPurchase(ctx, guestSession("cs_1", "a@x.com"), SourceWebhook)
		if err != nil {
			t.Fatalf("RecordPurchase() error = %v", err)
		}
		if strings.HasPrefix(p.BuyerUID, "guest_") || f.idp.Count() != 1 {
			t.Errorf("account should still be created, buyer = %s", p.BuyerUID)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		f := newFixture(t)
		f.seedBundle(t, 9.99)
		f.idp.FailCreate = errors.New("auth unavailable")

		p, err := f.recorder.RecordPurchase(ctx, guestSession("cs_1", "a@x.com"), SourceWebhook)
		if err != nil {
			t.Fatalf("RecordPurchase() error = %v", err)
		}
		if !strings.HasPrefix(p.BuyerUID, "guest_") || !p.IsGuestPurchase {
			t.Errorf("buyer = %s guest=%v, want guest_ placeholder", p.BuyerUID, p.IsGuestPurchase)
		}
		if _, err := f.store.GetPurchase(ctx, "cs_1"); err != nil {
			t.Errorf("purchase not written: %v", err)
		}
	})
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pw, err := generatePassword()
		if err != nil {
			t.Fatalf("generatePassword() error = %v", err)
		}
		if len(pw) != 12 {
			t.Errorf("len = %d", len(pw))
		}
		for _, c := range pw {
			if !strings.ContainsRune(guestPasswordCharset, c) {
				t.Errorf("password %q has %q outside the charset", pw, c)
			}
		}
		seen[pw] = true
	}
	if len(seen) < 19 {
		t.Errorf("passwords repeat: %d unique of 20", len(seen))
	}
}
