// Package config provides configuration loading and management for the commerce service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the process
// environment always wins over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the commerce service.
type Config struct {
	Env     string `env:"ENV" envDefault:"dev"`                        // Deployment environment (dev, staging, prod)
	Port    string `env:"PORT" envDefault:"8080"`                      // HTTP server port
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:3000"` // Public site URL used in emails

	// Storage backend selection. Firestore wins when a project id is set,
	// then PostgreSQL, then the in-memory store.
	Firebase    Firebase `envPrefix:"FIREBASE_"`
	DatabaseDSN string   `env:"DB_DSN"`

	Stripe Stripe `envPrefix:"STRIPE_"`
	SMTP   SMTP   `envPrefix:"SMTP_"`
	Media  Media  `envPrefix:"MEDIA_"`

	NATSURL string `env:"NATS_URL"`

	Jobs Jobs `envPrefix:"JOBS_"`

	// Free plan creators may own at most this many bundles
	FreeBundleLimit int `env:"FREE_BUNDLE_LIMIT" envDefault:"3"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// Firebase holds Firebase Admin settings.
type Firebase struct {
	ProjectID       string `env:"PROJECT_ID"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	// JWKSURL is used to verify ID tokens when the Admin SDK is not configured
	JWKSURL string `env:"JWKS_URL" envDefault:"https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"`
}

// Stripe holds payment provider credentials.
type Stripe struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

// SMTP holds outbound mail settings for guest welcome emails.
type SMTP struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM" envDefault:"no-reply@localhost"`
}

// Media holds object storage settings used to sign content download URLs.
type Media struct {
	Provider    string        `env:"PROVIDER"` // s3 or gcs, empty disables signing
	Bucket      string        `env:"BUCKET"`
	S3Endpoint  string        `env:"S3_ENDPOINT"`
	S3Region    string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKey string        `env:"S3_ACCESS_KEY"`
	S3SecretKey string        `env:"S3_SECRET_KEY"`
	GCSAccessID string        `env:"GCS_ACCESS_ID"`
	URLTTL      time.Duration `env:"URL_TTL" envDefault:"15m"`
}

// Jobs holds bundle job worker settings.
type Jobs struct {
	Workers      int           `env:"WORKERS" envDefault:"2"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`
	// Lease bounds how long a job may sit in processing before another worker reclaims it
	Lease time.Duration `env:"LEASE" envDefault:"5m"`
}

// envPrefix namespaces every variable read by Load.
const envPrefix = "COMMERCE_"

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	for i, origin := range cfg.CORSAllowedOrigins {
		cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate checks settings that have no sensible default outside development.
func (c Config) validate() error {
	if c.Env == "dev" {
		return nil
	}
	if c.Stripe.SecretKey == "" {
		return fmt.Errorf("%sSTRIPE_SECRET_KEY is required", envPrefix)
	}
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("%sSTRIPE_WEBHOOK_SECRET is required", envPrefix)
	}
	if c.Media.Provider != "" && c.Media.Provider != "s3" && c.Media.Provider != "gcs" {
		return fmt.Errorf("%sMEDIA_PROVIDER must be s3 or gcs, got %q", envPrefix, c.Media.Provider)
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("%sJOBS_MAX_RETRIES must not be negative", envPrefix)
	}
	return nil
}
