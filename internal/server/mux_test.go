package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
)

const (
	testProject       = "commerce-test"
	testWebhookSecret = "whsec_test"
)

type testServer struct {
	handler  http.Handler
	docs     storage.Documents
	store    *storage.Store
	payments *payment.Fake
	idp      *identity.Memory
	queue    *jobs.Queue
	keys     *jwks.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		docs:     storage.NewMemory(),
		payments: payment.NewFake(),
		idp:      identity.NewMemory(),
		keys:     jwks.NewTestClient(),
	}
	ts.store = storage.New(ts.docs)

	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	events := event.NewRecorder()
	resolver := fulfillment.NewResolver(ts.store)
	guests := fulfillment.NewProvisioner(ts.idp, ts.store, &mail.Outbox{}, "https://shop.example")
	recorder := fulfillment.NewRecorder(ts.store, resolver, guests, events)
	ts.queue = jobs.NewQueue(ts.store, jobs.NewCreator(ts.store, ts.payments, 3), events, jobs.Options{})

	ts.handler = NewMux(Deps{
		Store:         ts.store,
		Tokens:        identity.NewJWKSVerifier(ts.keys, testProject),
		Resolver:      resolver,
		Verifier:      fulfillment.NewVerifier(ts.payments, ts.store, recorder),
		Webhooks:      fulfillment.NewWebhookProcessor(recorder, ts.store),
		Jobs:          ts.queue,
		Validator:     validator,
		WebhookSecret: testWebhookSecret,
	})
	return ts
}

func (ts *testServer) token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := ts.keys.SignTestToken(uid, "https://securetoken.google.com/"+testProject, testProject, time.Hour)
	if err != nil {
		t.Fatalf("SignTestToken() error = %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, uid string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, uid))
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) seed(t *testing.T, collection, id string, doc map[string]interface{}) {
	t.Helper()
	if err := ts.docs.Set(context.Background(), collection, id, doc); err != nil {
		t.Fatalf("seed %s/%s: %v", collection, id, err)
	}
}

func (ts *testServer) seedBundle(t *testing.T) {
	t.Helper()
	ts.seed(t, storage.CollBundles, "B1", map[string]interface{}{
		"title":        "Synth Pack",
		"price":        9.99,
		"currency":     "usd",
		"creatorId":    "c1",
		"contentItems": []interface{}{"u1"},
		"detailedContentItems": []interface{}{
			map[string]interface{}{"id": "u1", "title": "Intro", "fileUrl": "https://cdn.example/u1.mp4", "fileSize": 1000},
		},
	})
	ts.seed(t, storage.CollUsers, "c1", map[string]interface{}{"uid": "c1", "displayName": "Dana Beats"})
	ts.seed(t, storage.CollUploads, "u2", map[string]interface{}{"uid": "c1", "title": "Loop", "url": "https://cdn.example/u2.wav", "mimeType": "audio/wav", "size": 500})
	ts.seed(t, storage.CollUploads, "x1", map[string]interface{}{"uid": "c2", "title": "Other", "url": "https://cdn.example/x1.pdf"})
}

func paidSession(id string) model.CheckoutSession {
	return model.CheckoutSession{
		ID:              id,
		PaymentIntentID: "pi_" + id,
		PaymentStatus:   "paid",
		Status:          "complete",
		Mode:            "payment",
		AmountTotal:     999,
		Currency:        "usd",
		CustomerEmail:   "buyer@example.com",
		Metadata:        map[string]string{"bundleId": "B1", "buyerUid": "buyer1"},
	}
}

// envelope decodes the {"data":...} or {"error":...} response body.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("GET /healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/purchases", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Error.Code != "COMMERCE_AUTHN" || env.Error.CorrelationID == "" {
		t.Errorf("error = %+v", env.Error)
	}
	if rr.Header().Get("X-Correlation-Id") != env.Error.CorrelationID {
		t.Error("correlation id header does not match error body")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/purchases", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", rr.Code)
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/purchases", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	if got := decodeEnvelope(t, rr).Error.CorrelationID; got != "corr-123" {
		t.Errorf("correlationId = %q", got)
	}
}

func TestRequestLogIncludesCallerUID(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	if rr := ts.do(t, http.MethodGet, "/api/bundles/B1/content", "c1", nil); rr.Code != http.StatusOK {
		t.Fatalf("get = %d", rr.Code)
	}

	var logged map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if json.Unmarshal([]byte(line), &entry) == nil && entry["msg"] == "request completed" {
			logged = entry
		}
	}
	if logged == nil {
		t.Fatalf("no request log in %s", buf.String())
	}
	if logged["uid"] != "c1" {
		t.Errorf("uid = %v, want c1", logged["uid"])
	}
	if logged["correlation_id"] == "" || logged["correlation_id"] == nil {
		t.Error("correlation_id missing from request log")
	}
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)

	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","object":"checkout.session","mode":"payment","payment_status":"paid",
		"payment_intent":"pi_1","amount_total":999,"currency":"usd",
		"customer_details":{"email":"guest@example.com","name":"Guest"},
		"metadata":{"bundleId":"B1","is_guest_checkout":"true"}}}}`

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(payload))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
		if decodeEnvelope(t, rr).Error.Code != "COMMERCE_SIGNATURE" {
			t.Errorf("body = %s", rr.Body.String())
		}
		if _, err := ts.store.GetPurchase(context.Background(), "cs_1"); err == nil {
			t.Error("purchase written for unsigned event")
		}
	})

	t.Run("signed checkout", func(t *testing.T) {
		sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: testWebhookSecret, Timestamp: time.Now()})
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(sp.Payload))
		req.Header.Set("Stripe-Signature", sp.Header)
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
		}
		p, err := ts.store.GetPurchase(context.Background(), "cs_1")
		if err != nil {
			t.Fatalf("GetPurchase() error = %v", err)
		}
		if !p.IsGuestPurchase || p.BuyerEmail != "guest@example.com" || len(p.BundleContent) != 1 {
			t.Errorf("purchase = %+v", p)
		}
	})

	t.Run("processing error", func(t *testing.T) {
		missing := strings.Replace(payload, `"bundleId":"B1"`, `"bundleId":"nope"`, 1)
		sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(missing), Secret: testWebhookSecret, Timestamp: time.Now()})
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(sp.Payload))
		req.Header.Set("Stripe-Signature", sp.Header)
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rr.Code)
		}
		if msg := decodeEnvelope(t, rr).Error.Message; !strings.Contains(msg, "bundle not found") {
			t.Errorf("message = %q", msg)
		}
	})
}

func TestVerifyPurchase(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	ts.payments.AddSession(paidSession("cs_1"))

	rr := ts.do(t, http.MethodPost, "/api/purchases/verify", "", map[string]string{"sessionId": "cs_1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	var resp model.VerifyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.AlreadyProcessed || resp.Purchase.BuyerUID != "buyer1" || resp.Creator.Name != "Dana Beats" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ProductBox["id"] != "B1" || resp.VerificationDetails.Method != fulfillment.MethodSession {
		t.Errorf("productBox = %v details = %+v", resp.ProductBox, resp.VerificationDetails)
	}

	rr = ts.do(t, http.MethodPost, "/api/purchases/verify", "", map[string]string{"paymentIntentId": "pi_cs_1"})
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || !resp.AlreadyProcessed {
		t.Errorf("second verification = %s", rr.Body.String())
	}
}

func TestVerifyPurchaseFailures(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	unpaid := paidSession("cs_unpaid")
	unpaid.PaymentStatus = "unpaid"
	ts.payments.AddSession(unpaid)
	ts.payments.AddIntent(model.PaymentIntent{ID: "pi_cs_unpaid", Status: "processing"})

	cases := []struct {
		name      string
		body      interface{}
		status    int
		code      string
		retryable bool
	}{
		{"empty body", map[string]string{}, http.StatusBadRequest, "COMMERCE_VALIDATION", false},
		{"not json", "{", http.StatusBadRequest, "COMMERCE_VALIDATION", false},
		{"unknown session", map[string]string{"sessionId": "cs_missing"}, http.StatusNotFound, "COMMERCE_NOT_FOUND", true},
		{"unpaid", map[string]string{"sessionId": "cs_unpaid"}, http.StatusPaymentRequired, "COMMERCE_PAYMENT_INCOMPLETE", true},
		{"bad id token", map[string]string{"sessionId": "cs_unpaid", "idToken": "garbage"}, http.StatusUnauthorized, "COMMERCE_AUTHN", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/purchases/verify", "", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tc.status, rr.Body.String())
			}
			var f model.VerifyFailure
			if err := json.Unmarshal(rr.Body.Bytes(), &f); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Code != tc.code || f.Retryable != tc.retryable || f.Error == "" {
				t.Errorf("failure = %+v", f)
			}
			if len(f.PossibleCauses) == 0 || f.DebugInfo["correlationId"] == "" || f.DebugInfo["cause"] == "" {
				t.Errorf("failure lacks debug info: %+v", f)
			}
			if tc.retryable && f.MaxRetries != 3 {
				t.Errorf("maxRetries = %d", f.MaxRetries)
			}
		})
	}
}

func TestPurchasesReadAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	ts.payments.AddSession(paidSession("cs_1"))
	if rr := ts.do(t, http.MethodPost, "/api/purchases/verify", "", map[string]string{"sessionId": "cs_1"}); rr.Code != http.StatusOK {
		t.Fatalf("verify = %d", rr.Code)
	}

	rr := ts.do(t, http.MethodGet, "/api/purchases", "buyer1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	var list struct {
		Purchases []model.Purchase `json:"purchases"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &list); err != nil || len(list.Purchases) != 1 {
		t.Fatalf("list body = %s", rr.Body.String())
	}

	if rr := ts.do(t, http.MethodGet, "/api/purchases/cs_1", "buyer1", nil); rr.Code != http.StatusOK {
		t.Errorf("owner get = %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/api/purchases/cs_1", "someone-else", nil); rr.Code != http.StatusForbidden {
		t.Errorf("foreign get = %d, want 403", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/api/purchases/cs_nope", "buyer1", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing get = %d, want 404", rr.Code)
	}
}

func TestBundleContent(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	ctx := context.Background()

	var view contentView
	decodeView := func(rr *httptest.ResponseRecorder) {
		t.Helper()
		if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &view); err != nil {
			t.Fatalf("decode view: %v", err)
		}
	}

	rr := ts.do(t, http.MethodGet, "/api/bundles/B1/content", "c1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("creator get = %d", rr.Code)
	}
	decodeView(rr)
	if view.ItemCount != 1 || view.TotalSize != 1000 {
		t.Errorf("view = %+v", view)
	}

	if rr := ts.do(t, http.MethodGet, "/api/bundles/B1/content", "stranger", nil); rr.Code != http.StatusForbidden {
		t.Errorf("stranger get = %d, want 403", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/api/bundles/nope/content", "c1", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing bundle = %d, want 404", rr.Code)
	}

	// Mutations are creator only.
	if rr := ts.do(t, http.MethodPost, "/api/bundles/B1/content", "stranger", map[string][]string{"contentIds": {"u2"}}); rr.Code != http.StatusForbidden {
		t.Errorf("stranger post = %d, want 403", rr.Code)
	}
	if rr := ts.do(t, http.MethodDelete, "/api/bundles/B1/content?contentId=u1", "stranger", nil); rr.Code != http.StatusForbidden {
		t.Errorf("stranger delete = %d, want 403", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, "/api/bundles/B1/content", "c1", map[string][]string{"contentIds": {"x1"}}); rr.Code != http.StatusForbidden {
		t.Errorf("foreign upload = %d, want 403", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, "/api/bundles/B1/content", "c1", map[string][]string{"contentIds": {}}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty contentIds = %d, want 400", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/api/bundles/B1/content", "c1", map[string][]string{"contentIds": {"u2", "u1"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("add = %d %s", rr.Code, rr.Body.String())
	}
	decodeView(rr)
	if view.ItemCount != 2 || view.TotalSize != 1500 {
		t.Errorf("after add view = %+v", view)
	}
	b, _ := ts.store.GetBundle(ctx, "B1")
	if len(b.ContentItems) != 2 || len(fulfillment.DetailedContentItems(b)) != 2 {
		t.Errorf("after add contentItems=%v detailed=%d", b.ContentItems, len(fulfillment.DetailedContentItems(b)))
	}

	rr = ts.do(t, http.MethodDelete, "/api/bundles/B1/content?contentId=u1", "c1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete = %d %s", rr.Code, rr.Body.String())
	}
	b, _ = ts.store.GetBundle(ctx, "B1")
	if len(b.ContentItems) != 1 || b.ContentItems[0] != "u2" || len(fulfillment.DetailedContentItems(b)) != 1 {
		t.Errorf("after delete contentItems=%v", b.ContentItems)
	}
	if rr := ts.do(t, http.MethodDelete, "/api/bundles/B1/content?contentId=u1", "c1", nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}

func viewItems(t *testing.T, rr *httptest.ResponseRecorder) []model.ContentItem {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
	var view contentView
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view.Items
}

func itemIDs(items []model.ContentItem) string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return strings.Join(ids, ",")
}

func TestBundleContentEditsMigrateParallelArrays(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	ts.seed(t, storage.CollBundles, "P1", map[string]interface{}{
		"title":         "Parallel Pack",
		"creatorId":     "c1",
		"contentItems":  []interface{}{"a", "b"},
		"contentUrls":   []interface{}{"https://cdn.example/a.mp4", "https://cdn.example/b.mp4"},
		"contentTitles": []interface{}{"A", "B"},
	})

	items := viewItems(t, ts.do(t, http.MethodPost, "/api/bundles/P1/content", "c1", map[string][]string{"contentIds": {"u2"}}))
	if got := itemIDs(items); got != "a,b,u2" {
		t.Fatalf("after add items = %s, want a,b,u2", got)
	}

	doc, err := ts.docs.Get(context.Background(), storage.CollBundles, "P1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := doc["contentUrls"]; ok {
		t.Errorf("contentUrls kept after migration: %v", doc["contentUrls"])
	}
	if detailed, _ := doc["detailedContentItems"].([]interface{}); len(detailed) != 3 {
		t.Errorf("detailedContentItems = %v, want 3 entries", doc["detailedContentItems"])
	}

	items = viewItems(t, ts.do(t, http.MethodDelete, "/api/bundles/P1/content?contentId=a", "c1", nil))
	if got := itemIDs(items); got != "b,u2" {
		t.Fatalf("after delete items = %s, want b,u2", got)
	}
	if items[0].FileURL != "https://cdn.example/b.mp4" || items[0].Title != "B" {
		t.Errorf("item b = %+v, want its own url and title", items[0])
	}

	items = viewItems(t, ts.do(t, http.MethodGet, "/api/bundles/P1/content", "c1", nil))
	if got := itemIDs(items); got != "b,u2" {
		t.Errorf("get items = %s, want b,u2", got)
	}
}

func TestBundleContentEditsMigrateLegacyFields(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	ts.seed(t, storage.CollBundles, "L1", map[string]interface{}{
		"title":     "Legacy Pack",
		"creatorId": "c1",
		"videos": []interface{}{
			map[string]interface{}{"id": "v1", "title": "One", "url": "https://cdn.example/v1.mp4", "size": 100},
			map[string]interface{}{"id": "v2", "title": "Two", "url": "https://cdn.example/v2.mp4", "size": 200},
		},
	})

	items := viewItems(t, ts.do(t, http.MethodDelete, "/api/bundles/L1/content?contentId=v1", "c1", nil))
	if got := itemIDs(items); got != "v2" {
		t.Fatalf("after delete items = %s, want v2", got)
	}
	if items[0].FileURL != "https://cdn.example/v2.mp4" || items[0].FileSize != 200 {
		t.Errorf("item v2 = %+v", items[0])
	}

	items = viewItems(t, ts.do(t, http.MethodPost, "/api/bundles/L1/content", "c1", map[string][]string{"contentIds": {"u2"}}))
	if got := itemIDs(items); got != "v2,u2" {
		t.Fatalf("after add items = %s, want v2,u2", got)
	}

	b, err := ts.store.GetBundle(context.Background(), "L1")
	if err != nil {
		t.Fatalf("GetBundle() error = %v", err)
	}
	if b.Field("videos") != nil {
		t.Errorf("videos kept after migration: %v", b.Field("videos"))
	}
	if strings.Join(b.ContentItems, ",") != "v2,u2" {
		t.Errorf("contentItems = %v, want [v2 u2]", b.ContentItems)
	}

	// Emptying a migrated bundle must not bring the old videos back.
	viewItems(t, ts.do(t, http.MethodDelete, "/api/bundles/L1/content?contentId=v2", "c1", nil))
	items = viewItems(t, ts.do(t, http.MethodDelete, "/api/bundles/L1/content?contentId=u2", "c1", nil))
	if len(items) != 0 {
		t.Errorf("emptied bundle items = %s, want none", itemIDs(items))
	}
}

func TestBuyerCanReadBundleContent(t *testing.T) {
	ts := newTestServer(t)
	ts.seedBundle(t)
	ts.payments.AddSession(paidSession("cs_1"))
	ts.do(t, http.MethodPost, "/api/purchases/verify", "", map[string]string{"sessionId": "cs_1"})

	if rr := ts.do(t, http.MethodGet, "/api/bundles/B1/content", "buyer1", nil); rr.Code != http.StatusOK {
		t.Errorf("buyer get = %d, want 200", rr.Code)
	}
}

func TestBundleJobEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, storage.CollUsers, "c1", map[string]interface{}{"uid": "c1", "plan": "free", "stripeAccountId": "acct_1"})
	ts.seed(t, storage.CollUploads, "u1", map[string]interface{}{"uid": "c1", "title": "Intro", "url": "https://cdn.example/u1.mp4"})
	ts.payments.AddAccount(payment.Account{ID: "acct_1", ChargesEnabled: true, DetailsSubmitted: true})

	if rr := ts.do(t, http.MethodPost, "/api/bundle-jobs", "c1", map[string]interface{}{"title": "Pack", "price": 0.1, "contentIds": []string{"u1"}}); rr.Code != http.StatusBadRequest {
		t.Errorf("price below minimum = %d, want 400", rr.Code)
	}

	rr := ts.do(t, http.MethodPost, "/api/bundle-jobs", "c1", map[string]interface{}{
		"title":       "Pack",
		"description": "Everything",
		"price":       4.99,
		"contentIds":  []string{"u1"},
		"tags":        []string{"synth"},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit = %d %s", rr.Code, rr.Body.String())
	}
	var submitted struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &submitted); err != nil || submitted.JobID == "" {
		t.Fatalf("submit body = %s", rr.Body.String())
	}

	if _, err := ts.queue.RunDue(context.Background()); err != nil {
		t.Fatalf("RunDue() error = %v", err)
	}

	rr = ts.do(t, http.MethodGet, "/api/bundle-jobs?jobId="+submitted.JobID, "c1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("poll = %d", rr.Code)
	}
	var status model.JobStatusResponse
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != model.JobCompleted || status.Progress != 100 || status.BundleID != submitted.JobID {
		t.Errorf("status = %+v", status)
	}

	if rr := ts.do(t, http.MethodGet, "/api/bundle-jobs?jobId="+submitted.JobID, "c2", nil); rr.Code != http.StatusNotFound {
		t.Errorf("other user's poll = %d, want 404", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/api/bundle-jobs", "c1", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("missing jobId = %d, want 400", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPut, "/api/bundle-jobs", "c1", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT = %d, want 405", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewMux(Deps{Store: storage.New(storage.NewMemory()), CORSAllowedOrigins: []string{"https://shop.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/purchases", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
