package fulfillment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/mail"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

const (
	guestPasswordLength  = 12
	guestPasswordCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789!@#$%"
)

// BuyerAccount is the account a purchase is attributed to.
type BuyerAccount struct {
	UID      string
	Created  bool // a guest account was created for this purchase
	Fallback bool // account creation failed; UID is a guest_<millis> placeholder
}

// Guest reports whether the purchase counts as a guest purchase.
func (a BuyerAccount) Guest() bool {
	return a.Created || a.Fallback
}

// Provisioner finds or creates the account of a buyer who checked out without signing in.
type Provisioner struct {
	identity identity.Provider
	store    *storage.Store
	mailer   mail.Sender
	loginURL string
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewProvisioner creates a Provisioner. baseURL is the storefront origin used for the login link.
func NewProvisioner(idp identity.Provider, store *storage.Store, mailer mail.Sender, baseURL string) *Provisioner {
	return &Provisioner{
		identity: idp,
		store:    store,
		mailer:   mailer,
		loginURL: strings.TrimRight(baseURL, "/") + "/login",
		metrics:  metrics.NewMetrics(),
		now:      time.Now,
	}
}

// EnsureBuyerAccount returns the uid of the account registered to email,
// creating a guest account when none exists. It never fails: if the account
// cannot be created a placeholder uid is returned so the purchase is still recorded.
// The placeholder is not linked to any auth user afterwards.
func (p *Provisioner) EnsureBuyerAccount(ctx context.Context, email, displayName, bundleTitle string) BuyerAccount {
	ctx, span := telemetry.Tracer().Start(ctx, "ensure_buyer_account")
	defer span.End()

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return p.fallback(ctx, email, errors.New("checkout session has no customer email"))
	}

	existing, err := p.identity.GetUserByEmail(ctx, email)
	if err == nil {
		p.metrics.GuestAccountsTotal.WithLabelValues("existing").Inc()
		slog.InfoContext(ctx, "buyer already has an account", "uid", existing.UID)
		return BuyerAccount{UID: existing.UID}
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return p.fallback(ctx, email, err)
	}

	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}
	password, err := generatePassword()
	if err != nil {
		return p.fallback(ctx, email, err)
	}

	created, err := p.identity.CreateUser(ctx, identity.NewUser{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		// A concurrent checkout by the same buyer may have created the account first.
		if again, lookupErr := p.identity.GetUserByEmail(ctx, email); lookupErr == nil {
			p.metrics.GuestAccountsTotal.WithLabelValues("existing").Inc()
			return BuyerAccount{UID: again.UID}
		}
		return p.fallback(ctx, email, err)
	}

	err = p.store.UpdateUser(ctx, created.UID, func(u *model.User) error {
		u.Email = email
		u.DisplayName = displayName
		u.IsGuestCreated = true
		u.Plan = model.PlanFree
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to write guest profile", "uid", created.UID, "error", err)
	}

	if err := p.mailer.Send(ctx, mail.WelcomeGuest(email, displayName, password, p.loginURL, bundleTitle)); err != nil {
		slog.WarnContext(ctx, "failed to send guest welcome email", "uid", created.UID, "error", err)
	}

	p.metrics.GuestAccountsTotal.WithLabelValues("created").Inc()
	slog.InfoContext(ctx, "created guest account", "uid", created.UID)
	return BuyerAccount{UID: created.UID, Created: true}
}

func (p *Provisioner) fallback(ctx context.Context, email string, cause error) BuyerAccount {
	uid := fmt.Sprintf("guest_%d", p.now().UnixMilli())
	p.metrics.GuestAccountsTotal.WithLabelValues("fallback").Inc()
	p.metrics.GuestFallbackTotal.Inc()
	slog.ErrorContext(ctx, "guest account provisioning failed, recording purchase under placeholder uid",
		"placeholder_uid", uid,
		"email_domain", emailDomain(email),
		"error", cause,
	)
	return BuyerAccount{UID: uid, Fallback: true}
}

func generatePassword() (string, error) {
	max := big.NewInt(int64(len(guestPasswordCharset)))
	b := make([]byte, guestPasswordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = guestPasswordCharset[n.Int64()]
	}
	return string(b), nil
}

func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}
