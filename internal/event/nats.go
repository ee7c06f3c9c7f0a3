// Package event provides NATS JetStream implementation for event publishing.
// It streams purchase and bundle job events so downstream consumers (receipts,
// analytics, creator notifications) do not need to poll the document store.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subjects published by the service.
const (
	SubjectPurchaseCompleted = "commerce.purchases.completed"
	subjectJobPrefix         = "commerce.jobs."
)

// Publisher defines the event publishing operations required by the commerce service.
// Publishing is best-effort: callers log failures and carry on.
type Publisher interface {
	PublishPurchaseCompleted(ctx context.Context, p *model.Purchase) error
	PublishJobTransition(ctx context.Context, j *model.BundleJob) error
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func newEnvelope(ctx context.Context, typ string, payload interface{}) EventEnvelope {
	cid := CorrelationID(ctx)
	if cid == "" {
		cid = uuid.New().String()
	}
	return EventEnvelope{
		Type:          typ,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: cid,
		Payload:       payload,
	}
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that discards every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) PublishPurchaseCompleted(ctx context.Context, p *model.Purchase) error { return nil }
func (n *noop) PublishJobTransition(ctx context.Context, j *model.BundleJob) error    { return nil }
func (n *noop) Close() error                                                         { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics
}

// NewPublisher connects to NATS at url. An empty url, or any connection or stream
// setup failure, yields a no-op publisher so the service runs without streaming.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("commerced"), nats.MaxReconnects(-1))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js, metrics: metrics.NewMetrics()}
}

// initStreams creates the COMMERCE_PURCHASES and COMMERCE_JOBS streams.
// Both use a dedup window so repeated webhook deliveries publish once.
func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:       "COMMERCE_PURCHASES",
			Subjects:   []string{"commerce.purchases.*"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:       "COMMERCE_JOBS",
			Subjects:   []string{subjectJobPrefix + "*"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     24 * time.Hour,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// PublishPurchaseCompleted publishes a purchase completion. The session id is the
// JetStream message id, so a redelivered webhook does not publish twice.
func (p *natsPub) PublishPurchaseCompleted(ctx context.Context, purchase *model.Purchase) error {
	return p.publish(ctx, SubjectPurchaseCompleted, purchase.ID, purchase)
}

// PublishJobTransition publishes a bundle job status change on commerce.jobs.<status>.
func (p *natsPub) PublishJobTransition(ctx context.Context, j *model.BundleJob) error {
	subject := subjectJobPrefix + string(j.Status)
	msgID := fmt.Sprintf("%s:%s:%d", j.ID, j.Status, j.RetryCount)
	return p.publish(ctx, subject, msgID, j.StatusView())
}

func (p *natsPub) publish(ctx context.Context, subject, msgID string, payload interface{}) (err error) {
	start := time.Now()
	defer func() {
		st := "success"
		if err != nil {
			st = "error"
		}
		p.metrics.EventPublishTotal.WithLabelValues(subject, st).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(subject, st).Observe(time.Since(start).Seconds())
	}()

	b, err := json.Marshal(newEnvelope(ctx, subject, payload))
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b, nats.MsgId(msgID), nats.Context(ctx))
	return err
}

// Recorder is an in-process Publisher that keeps every envelope. It backs tests
// and local runs where a broker is not available.
type Recorder struct {
	mu     sync.Mutex
	events []EventEnvelope
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) PublishPurchaseCompleted(ctx context.Context, p *model.Purchase) error {
	r.add(newEnvelope(ctx, SubjectPurchaseCompleted, *p))
	return nil
}

func (r *Recorder) PublishJobTransition(ctx context.Context, j *model.BundleJob) error {
	r.add(newEnvelope(ctx, subjectJobPrefix+string(j.Status), j.StatusView()))
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventEnvelope(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *Recorder) add(e EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}
