// Package main implements the entry point for the commerce service.
// It wires the store, Stripe, Firebase and the job workers, then serves HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/config"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/fulfillment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/jobs"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/mail"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/media"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/payment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/server"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Spans go to stdout in dev and are dropped elsewhere until a collector is configured.
	var traceOut io.Writer
	if cfg.Env == "dev" {
		traceOut = os.Stdout
	}
	if _, err := telemetry.InitTracer(version, traceOut); err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(shutdownCtx)
	}()

	var (
		app *firebase.App
		err error
	)
	if cfg.Firebase.ProjectID != "" {
		var opts []option.ClientOption
		if cfg.Firebase.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		}
		app, err = firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, opts...)
		if err != nil {
			return fmt.Errorf("init firebase app: %w", err)
		}
	}

	docs, err := openDocuments(ctx, cfg, app)
	if err != nil {
		return err
	}
	store := storage.New(docs)
	defer store.Close()

	var (
		idp    identity.Provider
		tokens identity.TokenVerifier
	)
	if app != nil {
		authClient, err := app.Auth(ctx)
		if err != nil {
			return fmt.Errorf("init firebase auth: %w", err)
		}
		fb := identity.NewFirebase(authClient)
		idp, tokens = fb, fb
	} else {
		logger.Warn("firebase not configured, guest accounts are kept in memory")
		idp = identity.NewMemory()
		tokens = identity.NewJWKSVerifier(jwks.NewClient(cfg.Firebase.JWKSURL), cfg.Firebase.ProjectID)
	}

	var mailer mail.Sender = mail.LogSender{}
	if cfg.SMTP.Host != "" {
		smtp, err := mail.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
		if err != nil {
			return fmt.Errorf("init smtp sender: %w", err)
		}
		mailer = smtp
	}

	signer, err := newSigner(ctx, cfg)
	if err != nil {
		return err
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("init schema validator: %w", err)
	}

	payments := payment.NewStripeClient(cfg.Stripe.SecretKey)
	resolver := fulfillment.NewResolver(store)
	guests := fulfillment.NewProvisioner(idp, store, mailer, cfg.BaseURL)
	recorder := fulfillment.NewRecorder(store, resolver, guests, pub)

	queue := jobs.NewQueue(store, jobs.NewCreator(store, payments, cfg.FreeBundleLimit), pub, jobs.Options{
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval,
		Lease:        cfg.Jobs.Lease,
		MaxRetries:   cfg.Jobs.MaxRetries,
	})

	handler := server.NewMux(server.Deps{
		Store:              store,
		Tokens:             tokens,
		Resolver:           resolver,
		Verifier:           fulfillment.NewVerifier(payments, store, recorder),
		Webhooks:           fulfillment.NewWebhookProcessor(recorder, store),
		Jobs:               queue,
		Validator:          validator,
		Signer:             signer,
		WebhookSecret:      cfg.Stripe.WebhookSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second, // verification makes several Stripe calls
	}

	workersDone := make(chan error, 1)
	go func() { workersDone <- queue.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-workersDone; err != nil {
		logger.Error("bundle job workers stopped with error", "error", err)
	}
	logger.Info("server exited")
	return nil
}

// openDocuments picks the document store: Firestore when Firebase is configured,
// then PostgreSQL, then memory.
func openDocuments(ctx context.Context, cfg config.Config, app *firebase.App) (storage.Documents, error) {
	switch {
	case app != nil:
		client, err := app.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("init firestore: %w", err)
		}
		slog.Info("using firestore document store", "project_id", cfg.Firebase.ProjectID)
		return storage.NewFirestore(client), nil
	case cfg.DatabaseDSN != "":
		docs, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres storage: %w", err)
		}
		slog.Info("using postgres document store")
		return docs, nil
	default:
		slog.Warn("no database configured, using in-memory document store")
		return storage.NewMemory(), nil
	}
}

// newSigner builds the download URL signer for the configured object store.
func newSigner(ctx context.Context, cfg config.Config) (*media.Signer, error) {
	var s3, gcs media.ObjectSigner
	switch cfg.Media.Provider {
	case "s3":
		c, err := media.NewS3Client(ctx, cfg.Media.S3Endpoint, cfg.Media.S3Region, cfg.Media.Bucket, cfg.Media.S3AccessKey, cfg.Media.S3SecretKey)
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		s3 = c
	case "gcs":
		c, err := media.NewGCSClient(ctx, cfg.Media.Bucket, cfg.Media.GCSAccessID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		gcs = c
	default:
		return nil, nil
	}
	return media.NewSigner(s3, gcs, cfg.Media.URLTTL), nil
}
