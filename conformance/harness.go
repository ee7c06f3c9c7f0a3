// Package conformance provides an end-to-end harness that drives the commerce
// service over HTTP the way Stripe, buyers and creators do.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/fulfillment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/jobs"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/mail"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/server"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
)

// Config holds configuration for the conformance harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL storage; empty uses the in-memory store
	DatabaseDSN string

	// ProjectID is the Firebase project the test ID tokens are issued for
	ProjectID string

	// WebhookSecret signs the simulated Stripe events
	WebhookSecret string
}

// Harness runs the full service on an httptest server with fake Stripe,
// identity and mail collaborators.
type Harness struct {
	cfg      Config
	server   *httptest.Server
	docs     storage.Documents
	store    *storage.Store
	payments *payment.Fake
	idp      *identity.Memory
	outbox   *mail.Outbox
	events   *event.Recorder
	keys     *jwks.Client

	cancelWorkers context.CancelFunc
	workersDone   chan error
}

// NewHarness wires the service and starts its HTTP server and job workers.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.ProjectID == "" {
		cfg.ProjectID = "commerce-conformance"
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "whsec_conformance"
	}

	docs := storage.NewMemory()
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		docs = pg
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	h := &Harness{
		cfg:      cfg,
		docs:     docs,
		store:    storage.New(docs),
		payments: payment.NewFake(),
		idp:      identity.NewMemory(),
		outbox:   &mail.Outbox{},
		events:   event.NewRecorder(),
		keys:     jwks.NewTestClient(),
	}

	resolver := fulfillment.NewResolver(h.store)
	guests := fulfillment.NewProvisioner(h.idp, h.store, h.outbox, "https://shop.example")
	recorder := fulfillment.NewRecorder(h.store, resolver, guests, h.events)
	queue := jobs.NewQueue(h.store, jobs.NewCreator(h.store, h.payments, 3), h.events, jobs.Options{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
	})

	h.server = httptest.NewServer(server.NewMux(server.Deps{
		Store:         h.store,
		Tokens:        identity.NewJWKSVerifier(h.keys, cfg.ProjectID),
		Resolver:      resolver,
		Verifier:      fulfillment.NewVerifier(h.payments, h.store, recorder),
		Webhooks:      fulfillment.NewWebhookProcessor(recorder, h.store),
		Jobs:          queue,
		Validator:     validator,
		WebhookSecret: cfg.WebhookSecret,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancelWorkers = cancel
	h.workersDone = make(chan error, 1)
	go func() { h.workersDone <- queue.Run(ctx) }()

	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close stops the workers and the server and releases the store.
func (h *Harness) Close() {
	h.cancelWorkers()
	<-h.workersDone
	h.server.Close()
	h.store.Close()
}

// RunConformanceTests drives the purchase and bundle creation flows end to end.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("GuestCheckout", h.testGuestCheckout)
	t.Run("SignedInVerification", h.testSignedInVerification)
	t.Run("BundleCreation", h.testBundleCreation)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testGuestCheckout: a guest pays, Stripe delivers the webhook twice, and the
// buyer's return page verifies the session.
func (h *Harness) testGuestCheckout(t *testing.T) {
	h.seedCreator(t, "creator-g", "acct_g")
	h.seed(t, storage.CollBundles, "bundle-g", map[string]interface{}{
		"title":         "Drum Kit",
		"price":         12.5,
		"currency":      "usd",
		"creatorId":     "creator-g",
		"contentItems":  []interface{}{"up-1", "up-2"},
		"contentUrls":   []interface{}{"https://cdn.example/kick.wav", "https://cdn.example/snare.wav"},
		"contentTitles": []interface{}{"Kick", "Snare"},
	})

	session := model.CheckoutSession{
		ID:              "cs_guest_1",
		PaymentIntentID: "pi_guest_1",
		PaymentStatus:   "paid",
		Status:          "complete",
		Mode:            "payment",
		AmountTotal:     1250,
		Currency:        "usd",
		CustomerEmail:   "New.Buyer@Example.com",
		Metadata:        map[string]string{"bundleId": "bundle-g", "is_guest_checkout": "true"},
	}
	h.payments.AddSession(session)

	for i := 0; i < 2; i++ {
		resp := h.postWebhook(t, "evt_guest_1", session)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("webhook delivery %d: status %d", i+1, resp.StatusCode)
		}
	}

	if n := h.idp.Count(); n != 1 {
		t.Errorf("guest accounts = %d, want 1 after redelivery", n)
	}
	if sent := h.outbox.Sent(); len(sent) != 1 || sent[0].To != "new.buyer@example.com" {
		t.Errorf("welcome emails = %+v", sent)
	}

	var verified model.VerifyResponse
	status := h.postJSON(t, "/api/purchases/verify", "", map[string]string{"sessionId": "cs_guest_1"}, &verified)
	if status != http.StatusOK {
		t.Fatalf("verify status = %d", status)
	}
	p := verified.Purchase
	if !verified.AlreadyProcessed || !p.IsGuestPurchase || p.Price != 12.5 {
		t.Errorf("verified purchase = %+v", p)
	}
	if p.ItemCount != 2 || p.BundleContent[1].Title != "Snare" {
		t.Errorf("content snapshot = %+v", p.BundleContent)
	}

	var list struct {
		Purchases []model.Purchase `json:"purchases"`
	}
	if status := h.getData(t, "/api/purchases", p.BuyerUID, &list); status != http.StatusOK || len(list.Purchases) != 1 {
		t.Errorf("guest purchases = %d %+v", status, list)
	}

	completed := 0
	for _, typ := range h.events.Types() {
		if typ == event.SubjectPurchaseCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Errorf("purchase events = %d, want one per delivery", completed)
	}
}

// testSignedInVerification: the webhook never arrives; the signed-in buyer's
// return page records the purchase under their own uid.
func (h *Harness) testSignedInVerification(t *testing.T) {
	h.seedCreator(t, "creator-s", "acct_s")
	h.seed(t, storage.CollBundles, "bundle-s", map[string]interface{}{
		"title":     "Lo-fi Loops",
		"price":     0,
		"creatorId": "creator-s",
	})
	h.seed(t, storage.CollBundleContent, "bc-1", map[string]interface{}{
		"bundleId": "bundle-s", "title": "Loop 1", "fileUrl": "https://cdn.example/l1.wav", "fileSize": 2048,
	})
	h.payments.AddSession(model.CheckoutSession{
		ID:              "cs_signed_1",
		PaymentIntentID: "pi_signed_1",
		PaymentStatus:   "paid",
		Mode:            "payment",
		AmountTotal:     300,
		Currency:        "eur",
		Metadata:        map[string]string{"bundleId": "bundle-s"},
	})

	var verified model.VerifyResponse
	status := h.postJSON(t, "/api/purchases/verify", "buyer-s", map[string]string{"paymentIntentId": "pi_signed_1"}, &verified)
	if status != http.StatusOK {
		t.Fatalf("verify status = %d", status)
	}
	p := verified.Purchase
	if verified.AlreadyProcessed || p.BuyerUID != "buyer-s" || p.IsGuestPurchase {
		t.Errorf("purchase = %+v", p)
	}
	if p.Price != 3 || p.Currency != "eur" || p.ItemCount != 1 {
		t.Errorf("price = %v %s items = %d", p.Price, p.Currency, p.ItemCount)
	}

	if status := h.getData(t, "/api/bundles/bundle-s/content", "buyer-s", nil); status != http.StatusOK {
		t.Errorf("buyer content status = %d", status)
	}
	if status := h.getData(t, "/api/bundles/bundle-s/content", "someone", nil); status != http.StatusForbidden {
		t.Errorf("stranger content status = %d, want 403", status)
	}
}

// testBundleCreation: a creator submits a bundle job and polls until the
// workers finish it, surviving one Stripe failure.
func (h *Harness) testBundleCreation(t *testing.T) {
	h.seedCreator(t, "creator-b", "acct_b")
	h.seed(t, storage.CollUploads, "up-b1", map[string]interface{}{"uid": "creator-b", "title": "Pad", "url": "https://cdn.example/pad.wav", "size": 4096})
	h.payments.FailNext("CreateProduct", fmt.Errorf("stripe: connection reset"))

	var submitted struct {
		JobID string `json:"jobId"`
	}
	status := h.postJSON(t, "/api/bundle-jobs", "creator-b", map[string]interface{}{
		"title":       "Ambient Pads",
		"description": "Warm pads",
		"price":       7,
		"contentIds":  []string{"up-b1"},
	}, &submitted)
	if status != http.StatusAccepted || submitted.JobID == "" {
		t.Fatalf("submit status = %d job = %q", status, submitted.JobID)
	}

	var job model.JobStatusResponse
	deadline := time.Now().Add(10 * time.Second)
	for {
		h.getData(t, "/api/bundle-jobs?jobId="+submitted.JobID, "creator-b", &job)
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", job)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if job.Status != model.JobCompleted || job.RetryCount != 1 || job.BundleID == "" {
		t.Fatalf("job = %+v", job)
	}

	var view struct {
		ItemCount int `json:"itemCount"`
	}
	if status := h.getData(t, "/api/bundles/"+job.BundleID+"/content", "creator-b", &view); status != http.StatusOK || view.ItemCount != 1 {
		t.Errorf("new bundle content = %d %+v", status, view)
	}
}

func (h *Harness) seed(t *testing.T, collection, id string, doc map[string]interface{}) {
	t.Helper()
	if err := h.docs.Set(context.Background(), collection, id, doc); err != nil {
		t.Fatalf("seed %s/%s: %v", collection, id, err)
	}
}

func (h *Harness) seedCreator(t *testing.T, uid, account string) {
	t.Helper()
	h.seed(t, storage.CollUsers, uid, map[string]interface{}{
		"uid": uid, "displayName": "Creator " + uid, "plan": "free", "stripeAccountId": account,
	})
	h.payments.AddAccount(payment.Account{ID: account, ChargesEnabled: true, DetailsSubmitted: true})
}

func (h *Harness) token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := h.keys.SignTestToken(uid, "https://securetoken.google.com/"+h.cfg.ProjectID, h.cfg.ProjectID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *Harness) postWebhook(t *testing.T, eventID string, s model.CheckoutSession) *http.Response {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":     eventID,
		"object": "event",
		"type":   payment.EventCheckoutCompleted,
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":             s.ID,
			"object":         "checkout.session",
			"mode":           s.Mode,
			"status":         s.Status,
			"payment_status": s.PaymentStatus,
			"payment_intent": s.PaymentIntentID,
			"amount_total":   s.AmountTotal,
			"currency":       s.Currency,
			"customer_email": s.CustomerEmail,
			"metadata":       s.Metadata,
		}},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: h.cfg.WebhookSecret, Timestamp: time.Now()})

	req, _ := http.NewRequest(http.MethodPost, h.URL()+"/api/webhooks/stripe", bytes.NewReader(sp.Payload))
	req.Header.Set("Stripe-Signature", sp.Header)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

// postJSON posts body and decodes the response. Endpoints using the data
// envelope are unwrapped; the verification endpoint is decoded as is.
func (h *Harness) postJSON(t *testing.T, path, uid string, body, out interface{}) int {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, h.URL()+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return h.send(t, req, uid, out)
}

func (h *Harness) getData(t *testing.T, path, uid string, out interface{}) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.URL()+path, nil)
	return h.send(t, req, uid, out)
}

func (h *Harness) send(t *testing.T, req *http.Request, uid string, out interface{}) int {
	t.Helper()
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, uid))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out == nil || resp.StatusCode >= 300 {
		return resp.StatusCode
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return resp.StatusCode
}
