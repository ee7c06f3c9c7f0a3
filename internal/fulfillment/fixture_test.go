package fulfillment

import (
	"context"
	"testing"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/mail"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
)

type fixture struct {
	docs     storage.Documents
	store    *storage.Store
	idp      *identity.Memory
	outbox   *mail.Outbox
	events   *event.Recorder
	payments *payment.Fake

	resolver *Resolver
	guests   *Provisioner
	recorder *Recorder
	verifier *Verifier
	webhook  *WebhookProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		docs:     storage.NewMemory(),
		idp:      identity.NewMemory(),
		outbox:   &mail.Outbox{},
		events:   event.NewRecorder(),
		payments: payment.NewFake(),
	}
	f.store = storage.New(f.docs)
	f.resolver = NewResolver(f.store)
	f.guests = NewProvisioner(f.idp, f.store, f.outbox, "https://shop.example")
	f.recorder = NewRecorder(f.store, f.resolver, f.guests, f.events)
	f.verifier = NewVerifier(f.payments, f.store, f.recorder)
	f.webhook = NewWebhookProcessor(f.recorder, f.store)
	return f
}

func (f *fixture) seed(t *testing.T, collection, id string, doc map[string]interface{}) {
	t.Helper()
	if err := f.docs.Set(context.Background(), collection, id, doc); err != nil {
		t.Fatalf("seed %s/%s: %v", collection, id, err)
	}
}

// seedBundle writes bundle B1 by creator c1 with two detailed content items.
func (f *fixture) seedBundle(t *testing.T, price float64) {
	t.Helper()
	f.seed(t, storage.CollBundles, "B1", map[string]interface{}{
		"title":     "Synth Pack",
		"price":     price,
		"currency":  "usd",
		"creatorId": "c1",
		"detailedContentItems": []interface{}{
			map[string]interface{}{"id": "u1", "title": "Intro", "fileUrl": "https://cdn.example/u1.mp4", "fileSize": 1000, "duration": 30, "mimeType": "video/mp4"},
			map[string]interface{}{"id": "u2", "title": "Loop", "fileUrl": "https://cdn.example/u2.wav", "fileSize": 500, "mimeType": "audio/wav"},
		},
	})
	f.seed(t, storage.CollUsers, "c1", map[string]interface{}{"uid": "c1", "displayName": "Dana Beats", "username": "dana"})
}

func guestSession(id, email string) model.CheckoutSession {
	return model.CheckoutSession{
		ID:              id,
		PaymentIntentID: "pi_" + id,
		PaymentStatus:   "paid",
		Status:          "complete",
		Mode:            "payment",
		AmountTotal:     500,
		Currency:        "usd",
		CustomerEmail:   email,
		Metadata:        map[string]string{"bundleId": "B1", "is_guest_checkout": "true"},
	}
}

func (f *fixture) guestUsers(t *testing.T) []storage.Document {
	t.Helper()
	docs, err := f.docs.Where(context.Background(), storage.CollUsers, "isGuestCreated", true)
	if err != nil {
		t.Fatalf("query guest users: %v", err)
	}
	return docs
}
