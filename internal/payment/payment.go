// Package payment provides the Stripe integration used by fulfillment and bundle creation.
package payment

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

// ErrNotFound is returned when the provider has no object with the requested id.
var ErrNotFound = errors.New("payment object not found")

// Client is an interface for Stripe operations to enable testing with fakes.
type Client interface {
	GetCheckoutSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error)
	// FindSessionByPaymentIntent returns the checkout session that created the intent.
	FindSessionByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.CheckoutSession, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateProduct(ctx context.Context, in ProductInput) (string, error)
	CreatePrice(ctx context.Context, in PriceInput) (string, error)
}

// Account is the part of a Connect account bundle creation checks.
type Account struct {
	ID               string
	ChargesEnabled   bool
	DetailsSubmitted bool
}

// Ready reports whether the account can receive payments.
func (a *Account) Ready() bool {
	return a != nil && a.ChargesEnabled && a.DetailsSubmitted
}

// ProductInput describes a product to create, optionally on a connected account.
type ProductInput struct {
	AccountID   string
	Name        string
	Description string
	Metadata    map[string]string
}

// PriceInput describes a one-time price. UnitAmount is in minor units.
type PriceInput struct {
	AccountID  string
	ProductID  string
	UnitAmount int64
	Currency   string
}

// Currencies Stripe charges without a minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func minorUnitScale(currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(100)
}

// ToMinorUnits converts a major-unit amount (9.99) into the integer amount Stripe expects (999).
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Mul(minorUnitScale(currency)).Round(0).IntPart()
}

// FromMinorUnits converts a Stripe amount (999) back into major units (9.99).
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(minorUnitScale(currency))
}
