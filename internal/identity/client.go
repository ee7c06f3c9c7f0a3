// Package identity provides buyer and creator identity operations: auth user
// lookup and creation for guest checkout, and ID token verification for the API.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"firebase.google.com/go/v4/auth"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/jwks"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no auth user matches.
var ErrNotFound = errors.New("identity not found")

// User is the part of an auth user record the service needs.
type User struct {
	UID           string
	Email         string
	DisplayName   string
	EmailVerified bool
}

// NewUser describes an auth user to create.
type NewUser struct {
	Email       string
	Password    string
	DisplayName string
}

// Provider looks up and creates auth users.
type Provider interface {
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u NewUser) (*User, error)
}

// TokenVerifier verifies a bearer ID token and returns the caller's uid.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, token string) (string, error)
}

// Firebase implements Provider and TokenVerifier on the Firebase Admin auth client.
type Firebase struct {
	client *auth.Client
}

// NewFirebase wraps an initialized Firebase auth client.
func NewFirebase(client *auth.Client) *Firebase {
	return &Firebase{client: client}
}

// GetUserByEmail returns ErrNotFound when no account uses email.
func (f *Firebase) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	rec, err := f.client.GetUserByEmail(ctx, email)
	if err != nil {
		if auth.IsUserNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}
	return fromRecord(rec), nil
}

// CreateUser creates an unverified email/password account.
func (f *Firebase) CreateUser(ctx context.Context, u NewUser) (*User, error) {
	params := (&auth.UserToCreate{}).
		Email(u.Email).
		Password(u.Password).
		EmailVerified(false)
	if u.DisplayName != "" {
		params = params.DisplayName(u.DisplayName)
	}
	rec, err := f.client.CreateUser(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return fromRecord(rec), nil
}

// VerifyIDToken verifies a Firebase ID token's signature, audience and expiry.
func (f *Firebase) VerifyIDToken(ctx context.Context, token string) (string, error) {
	t, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}
	return t.UID, nil
}

func fromRecord(rec *auth.UserRecord) *User {
	return &User{
		UID:           rec.UID,
		Email:         rec.Email,
		DisplayName:   rec.DisplayName,
		EmailVerified: rec.EmailVerified,
	}
}

// JWKSVerifier verifies Firebase ID tokens with Google's public keys, without
// Admin SDK credentials.
type JWKSVerifier struct {
	client    *jwks.Client
	projectID string
}

// NewJWKSVerifier creates a verifier for tokens issued to projectID.
func NewJWKSVerifier(client *jwks.Client, projectID string) *JWKSVerifier {
	return &JWKSVerifier{client: client, projectID: projectID}
}

// Issuer is the token issuer expected for the project.
func (v *JWKSVerifier) Issuer() string {
	return "https://securetoken.google.com/" + v.projectID
}

func (v *JWKSVerifier) VerifyIDToken(ctx context.Context, token string) (string, error) {
	claims, err := v.client.ValidateJWT(ctx, token, v.Issuer(), v.projectID)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// Memory is an in-process Provider for development and tests. Emails are
// matched case-insensitively, as Firebase Auth does.
type Memory struct {
	mu      sync.Mutex
	byEmail map[string]*User
	// FailCreate makes CreateUser fail, simulating an auth outage
	FailCreate error
}

// NewMemory creates an empty Memory provider.
func NewMemory() *Memory {
	return &Memory{byEmail: make(map[string]*User)}
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *Memory) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return nil, m.FailCreate
	}
	key := strings.ToLower(nu.Email)
	if _, exists := m.byEmail[key]; exists {
		return nil, fmt.Errorf("create user: email %s already exists", nu.Email)
	}
	u := &User{UID: strings.ReplaceAll(uuid.New().String(), "-", "")[:28], Email: nu.Email, DisplayName: nu.DisplayName}
	m.byEmail[key] = u
	c := *u
	return &c, nil
}

// Add registers an existing account.
func (m *Memory) Add(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := u
	m.byEmail[strings.ToLower(u.Email)] = &c
}

// Count returns the number of accounts.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byEmail)
}
