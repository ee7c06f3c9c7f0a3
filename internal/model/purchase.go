package model

import (
	"strings"
	"time"
)

// PurchaseStatusCompleted is the only status the fulfillment pipeline writes.
const PurchaseStatusCompleted = "completed"

// Plans a user can be on.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Purchase is the buyer's durable access grant to a bundle.
// Its ID is the checkout session id, which makes repeated writes idempotent.
// BundleContent is a snapshot taken at purchase time and never follows later bundle edits.
type Purchase struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"sessionId"`
	PaymentIntentID string        `json:"paymentIntentId,omitempty"`
	BundleID        string        `json:"bundleId"`
	BundleTitle     string        `json:"bundleTitle"`
	BundleThumbnail string        `json:"bundleThumbnail,omitempty"`
	BuyerUID        string        `json:"buyerUid"`
	BuyerEmail      string        `json:"buyerEmail,omitempty"`
	CreatorID       string        `json:"creatorId"`
	CreatorName     string        `json:"creatorName"`
	CreatorUsername string        `json:"creatorUsername,omitempty"`
	Price           float64       `json:"price"`
	Currency        string        `json:"currency"`
	Status          string        `json:"status"`
	BundleContent   []ContentItem `json:"bundleContent"`
	TotalSize       int64         `json:"totalSize"`
	TotalDuration   float64       `json:"totalDuration"`
	ItemCount       int           `json:"itemCount"`
	AccessToken     string        `json:"accessToken"`
	IsGuestPurchase bool          `json:"isGuestPurchase"`
	Source          string        `json:"source"` // webhook or verification
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// User is a profile document in the users collection. Guest accounts created at
// checkout carry IsGuestCreated and start on the free plan.
type User struct {
	UID                string    `json:"uid"`
	Email              string    `json:"email"`
	DisplayName        string    `json:"displayName"`
	Username           string    `json:"username,omitempty"`
	IsGuestCreated     bool      `json:"isGuestCreated"`
	Plan               string    `json:"plan"`
	SubscriptionID     string    `json:"subscriptionId,omitempty"`
	SubscriptionStatus string    `json:"subscriptionStatus,omitempty"`
	StripeCustomerID   string    `json:"stripeCustomerId,omitempty"`
	StripeAccountID    string    `json:"stripeAccountId,omitempty"` // Connect account receiving payouts
	BundleCount        int       `json:"bundleCount"`
	CountedBundleIDs   []string  `json:"countedBundleIds,omitempty"` // Bundles already added to BundleCount
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
}

// CheckoutSession is a provider-neutral view of a completed checkout.
type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentIntentID string            `json:"paymentIntentId,omitempty"`
	PaymentStatus   string            `json:"paymentStatus"` // paid, unpaid, no_payment_required
	Status          string            `json:"status"`
	Mode            string            `json:"mode"` // payment or subscription
	AmountTotal     int64             `json:"amountTotal"`
	Currency        string            `json:"currency"`
	CustomerID      string            `json:"customerId,omitempty"`
	CustomerEmail   string            `json:"customerEmail,omitempty"`
	CustomerName    string            `json:"customerName,omitempty"`
	SubscriptionID  string            `json:"subscriptionId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Created         time.Time         `json:"created"`
}

// Meta returns the first non-empty metadata value among keys.
func (s CheckoutSession) Meta(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(s.Metadata[k]); v != "" {
			return v
		}
	}
	return ""
}

// BundleID returns the bundle the session paid for, if any.
func (s CheckoutSession) BundleID() string {
	return s.Meta("bundleId", "productBoxId")
}

// IsSubscription reports whether the session started a plan subscription rather than a bundle purchase.
func (s CheckoutSession) IsSubscription() bool {
	return s.Mode == "subscription" || s.Meta("type") == "subscription"
}

// PaymentIntent summarizes the charge underlying a checkout session.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"` // succeeded, processing, requires_payment_method, ...
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Created  time.Time         `json:"created"`
}

// Subscription is the part of a provider subscription the service acts on.
type Subscription struct {
	ID         string            `json:"id"`
	CustomerID string            `json:"customerId"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// VerifyRequest represents the request body for verifying a purchase.
type VerifyRequest struct {
	SessionID       string `json:"sessionId,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	IDToken         string `json:"idToken,omitempty"`
	BuyerUID        string `json:"-"` // uid of a verified IDToken
}

// VerificationDetails records how a verification matched its purchase.
type VerificationDetails struct {
	Method     string    `json:"method"`     // session or payment_intent
	MatchedKey string    `json:"matchedKey"` // id the purchase was found or written under
	SessionID  string    `json:"sessionId"`
	VerifiedAt time.Time `json:"verifiedAt"`
	PaidAt     time.Time `json:"paidAt,omitempty"`
}

// CreatorInfo is the public display info of a bundle's creator.
type CreatorInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// VerifyResponse is the success body of the verification endpoint.
type VerifyResponse struct {
	Success             bool                   `json:"success"`
	AlreadyProcessed    bool                   `json:"alreadyProcessed"`
	Purchase            *Purchase              `json:"purchase"`
	PaymentIntent       *PaymentIntent         `json:"paymentIntent,omitempty"`
	ProductBox          map[string]interface{} `json:"productBox,omitempty"`
	Creator             CreatorInfo            `json:"creator"`
	VerificationDetails VerificationDetails    `json:"verificationDetails"`
}

// VerifyFailure is the failure body of the verification endpoint. DebugInfo is
// intentionally verbose so support can diagnose without server logs.
type VerifyFailure struct {
	Error          string            `json:"error"`
	Code           string            `json:"code"`
	Retryable      bool              `json:"retryable"`
	MaxRetries     int               `json:"maxRetries"`
	DebugInfo      map[string]string `json:"debugInfo"`
	PossibleCauses []string          `json:"possibleCauses"`
}

// ContentRequest represents the request body for adding uploads to a bundle.
type ContentRequest struct {
	ContentIDs []string `json:"contentIds"`
}
