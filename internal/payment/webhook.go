package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

// Webhook event types the service acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid stripe signature")

// Event is a verified webhook event. Session or Subscription is set according to Type.
type Event struct {
	ID           string
	Type         string
	Session      *model.CheckoutSession
	Subscription *model.Subscription
}

// Local decode targets; webhook objects are not expanded.
type stripeCheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	PaymentIntent   string `json:"payment_intent"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	Created         int64  `json:"created"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// ParseEvent verifies payload against the Stripe-Signature header and decodes the
// objects of the event types the service handles. Other types are returned with
// only ID and Type set.
func ParseEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	if secret == "" || sigHeader == "" {
		return nil, ErrInvalidSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var cs stripeCheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out.Session = cs.toModel()
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out.Subscription = &model.Subscription{
			ID:         sub.ID,
			CustomerID: sub.Customer,
			Status:     sub.Status,
			Metadata:   sub.Metadata,
		}
	}
	return out, nil
}

func (cs stripeCheckoutSession) toModel() *model.CheckoutSession {
	email := cs.CustomerEmail
	if email == "" {
		email = cs.CustomerDetails.Email
	}
	return &model.CheckoutSession{
		ID:              cs.ID,
		PaymentIntentID: cs.PaymentIntent,
		PaymentStatus:   cs.PaymentStatus,
		Status:          cs.Status,
		Mode:            cs.Mode,
		AmountTotal:     cs.AmountTotal,
		Currency:        cs.Currency,
		CustomerID:      cs.Customer,
		CustomerEmail:   email,
		CustomerName:    cs.CustomerDetails.Name,
		SubscriptionID:  cs.Subscription,
		Metadata:        cs.Metadata,
		Created:         unixTime(cs.Created),
	}
}
