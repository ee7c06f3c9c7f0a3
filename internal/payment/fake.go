package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
)

// Fake is an in-memory Client for tests and local development.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*model.CheckoutSession
	intents  map[string]*model.PaymentIntent
	accounts map[string]*Account
	failures map[string][]error
	products []ProductInput
	prices   []PriceInput
	calls    map[string]int
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]*model.CheckoutSession),
		intents:  make(map[string]*model.PaymentIntent),
		accounts: make(map[string]*Account),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// AddSession registers a checkout session, and its payment intent when one is set.
func (f *Fake) AddSession(s model.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
	if s.PaymentIntentID != "" {
		if _, ok := f.intents[s.PaymentIntentID]; !ok {
			status := "requires_payment_method"
			if s.PaymentStatus == "paid" {
				status = "succeeded"
			}
			f.intents[s.PaymentIntentID] = &model.PaymentIntent{
				ID:       s.PaymentIntentID,
				Status:   status,
				Amount:   s.AmountTotal,
				Currency: s.Currency,
				Metadata: s.Metadata,
				Created:  s.Created,
			}
		}
	}
}

// AddIntent registers a payment intent.
func (f *Fake) AddIntent(pi model.PaymentIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[pi.ID] = &pi
}

// AddAccount registers a Connect account.
func (f *Fake) AddAccount(a Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = &a
}

// FailNext queues errors returned by the next calls to op, one per call.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Products returns the products created so far.
func (f *Fake) Products() []ProductInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProductInput(nil), f.products...)
}

// Prices returns the prices created so far.
func (f *Fake) Prices() []PriceInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PriceInput(nil), f.prices...)
}

// enter records a call and pops a queued failure. Caller holds mu.
func (f *Fake) enter(op string) error {
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) GetCheckoutSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCheckoutSession"); err != nil {
		return nil, err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetPaymentIntent"); err != nil {
		return nil, err
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, fmt.Errorf("retrieve payment intent %s: %w", id, ErrNotFound)
	}
	cp := *pi
	return &cp, nil
}

func (f *Fake) FindSessionByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FindSessionByPaymentIntent"); err != nil {
		return nil, err
	}
	for _, s := range f.sessions {
		if s.PaymentIntentID == paymentIntentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no checkout session for payment intent %s: %w", paymentIntentID, ErrNotFound)
}

func (f *Fake) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetAccount"); err != nil {
		return nil, err
	}
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("retrieve account %s: %w", accountID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (f *Fake) CreateProduct(ctx context.Context, in ProductInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateProduct"); err != nil {
		return "", err
	}
	f.products = append(f.products, in)
	return fmt.Sprintf("prod_%d", len(f.products)), nil
}

func (f *Fake) CreatePrice(ctx context.Context, in PriceInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreatePrice"); err != nil {
		return "", err
	}
	f.prices = append(f.prices, in)
	return fmt.Sprintf("price_%d", len(f.prices)), nil
}
