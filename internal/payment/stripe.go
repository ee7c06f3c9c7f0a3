package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/product"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

// StripeClient implements the Client interface using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// GetCheckoutSession retrieves a session with its payment intent expanded.
func (c *StripeClient) GetCheckoutSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	s, err := session.Get(id, params)
	if err != nil {
		return nil, wrapStripeErr("retrieve checkout session", err)
	}
	return sessionFromStripe(s), nil
}

func (c *StripeClient) GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, wrapStripeErr("retrieve payment intent", err)
	}
	return &model.PaymentIntent{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
		Metadata: pi.Metadata,
		Created:  unixTime(pi.Created),
	}, nil
}

func (c *StripeClient) FindSessionByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := session.List(params)
	if it.Next() {
		s := it.CheckoutSession()
		if s.PaymentIntent == nil {
			s.PaymentIntent = &stripe.PaymentIntent{ID: paymentIntentID}
		}
		return sessionFromStripe(s), nil
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeErr("list checkout sessions", err)
	}
	return nil, fmt.Errorf("no checkout session for payment intent %s: %w", paymentIntentID, ErrNotFound)
}

func (c *StripeClient) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	a, err := account.GetByID(accountID, params)
	if err != nil {
		return nil, wrapStripeErr("retrieve account", err)
	}
	return &Account{ID: a.ID, ChargesEnabled: a.ChargesEnabled, DetailsSubmitted: a.DetailsSubmitted}, nil
}

func (c *StripeClient) CreateProduct(ctx context.Context, in ProductInput) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(in.Name)}
	params.Context = ctx
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.AccountID != "" {
		params.SetStripeAccount(in.AccountID)
	}

	p, err := product.New(params)
	if err != nil {
		return "", wrapStripeErr("create product", err)
	}
	return p.ID, nil
}

func (c *StripeClient) CreatePrice(ctx context.Context, in PriceInput) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(in.ProductID),
		UnitAmount: stripe.Int64(in.UnitAmount),
		Currency:   stripe.String(strings.ToLower(in.Currency)),
	}
	params.Context = ctx
	if in.AccountID != "" {
		params.SetStripeAccount(in.AccountID)
	}

	p, err := price.New(params)
	if err != nil {
		return "", wrapStripeErr("create price", err)
	}
	return p.ID, nil
}

func sessionFromStripe(s *stripe.CheckoutSession) *model.CheckoutSession {
	out := &model.CheckoutSession{
		ID:            s.ID,
		PaymentStatus: string(s.PaymentStatus),
		Status:        string(s.Status),
		Mode:          string(s.Mode),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		CustomerEmail: s.CustomerEmail,
		Metadata:      s.Metadata,
		Created:       unixTime(s.Created),
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.CustomerDetails != nil {
		if out.CustomerEmail == "" {
			out.CustomerEmail = s.CustomerDetails.Email
		}
		out.CustomerName = s.CustomerDetails.Name
	}
	return out
}

func wrapStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == 404 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
