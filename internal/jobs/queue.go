// Package jobs runs durable bundle creation jobs.
//
// Jobs live in the bundle_jobs collection. A job is claimed with a
// compare-and-set on its document and carries its own retry schedule in
// nextAttemptAt, so a restart never loses a queued or retrying job: the next
// poll picks it up.
package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// DefaultMaxRetries is used when Options.MaxRetries is not set.
const DefaultMaxRetries = 3

// ProgressFunc records a milestone of the running attempt.
type ProgressFunc func(ctx context.Context, progress int, step string) error

// Processor performs one attempt of a job and returns the created bundle id.
type Processor interface {
	Process(ctx context.Context, job *model.BundleJob, progress ProgressFunc) (string, error)
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the job fails without using its retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Options configures a Queue.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration // how long a claim lasts before another worker may reclaim
	MaxRetries   int
}

// Queue accepts bundle jobs and runs them on a worker pool.
type Queue struct {
	store   *storage.Store
	proc    Processor
	events  event.Publisher
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
	wake    chan struct{}
}

// NewQueue creates a Queue. Zero options take defaults.
func NewQueue(store *storage.Store, proc Processor, events event.Publisher, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:   store,
		proc:    proc,
		events:  events,
		metrics: metrics.NewMetrics(),
		opts:    opts,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Submit stores a new queued job and nudges the workers.
func (q *Queue) Submit(ctx context.Context, userID string, req model.BundleJobRequest) (*model.BundleJob, error) {
	now := q.now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	job := &model.BundleJob{
		ID:            ulid.MustNew(ulid.Timestamp(now), entropy).String(),
		UserID:        userID,
		Status:        model.JobQueued,
		CurrentStep:   "Queued",
		Request:       req,
		MaxRetries:    q.opts.MaxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	q.transitioned(ctx, job)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	slog.InfoContext(ctx, "bundle job queued", "job_id", job.ID, "user_id", userID)
	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*model.BundleJob, error) {
	return q.store.GetJob(ctx, id)
}

// Run polls for due jobs and processes them on Options.Workers goroutines until
// ctx is cancelled. Job failures are recorded on the job, never returned.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	ids := make(chan string)

	g.Go(func() error {
		defer close(ids)
		ticker := time.NewTicker(q.opts.PollInterval)
		defer ticker.Stop()
		for {
			due, err := q.store.DueJobs(ctx, q.now().UTC())
			if err != nil {
				slog.ErrorContext(ctx, "failed to poll bundle jobs", "error", err)
			}
			for _, j := range due {
				select {
				case ids <- j.ID:
				case <-ctx.Done():
					return nil
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			case <-q.wake:
			}
		}
	})

	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			for id := range ids {
				q.attempt(ctx, id)
			}
			return nil
		})
	}

	slog.Info("bundle job workers started", "workers", q.opts.Workers, "poll_interval", q.opts.PollInterval)
	return g.Wait()
}

// RunDue runs one attempt of every job due now and returns how many were attempted.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	due, err := q.store.DueJobs(ctx, q.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}
	n := 0
	for _, j := range due {
		if q.attempt(ctx, j.ID) {
			n++
		}
	}
	return n, nil
}

// attempt claims and runs a job once. It reports whether the claim succeeded.
func (q *Queue) attempt(ctx context.Context, id string) bool {
	job, err := q.store.ClaimJob(ctx, id, q.now().UTC(), q.opts.Lease)
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			slog.ErrorContext(ctx, "failed to claim bundle job", "job_id", id, "error", err)
		}
		return false
	}
	q.transitioned(ctx, job)

	ctx, span := telemetry.Tracer().Start(ctx, "bundle_job_attempt")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Int("job.retry_count", job.RetryCount))

	start := time.Now()
	bundleID, procErr := q.proc.Process(ctx, job, q.progress(job.ID))

	outcome := "success"
	if procErr != nil {
		outcome = "failure"
		span.RecordError(procErr)
	}
	q.metrics.JobAttemptDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	final, err := q.store.UpdateJob(ctx, job.ID, func(j *model.BundleJob) error {
		now := q.now().UTC()
		j.UpdatedAt = now
		j.LeaseExpiresAt = time.Time{}
		if procErr == nil {
			j.Status = model.JobCompleted
			j.Progress = 100
			j.CurrentStep = "Completed"
			j.BundleID = bundleID
			j.Error = ""
			j.CompletedAt = now
			return nil
		}
		j.Error = procErr.Error()
		if !IsPermanent(procErr) && j.RetryCount < j.MaxRetries {
			j.Status = model.JobRetrying
			j.NextAttemptAt = now.Add(Backoff(j.RetryCount))
			j.RetryCount++
			return nil
		}
		j.Status = model.JobFailed
		j.CompletedAt = now
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record bundle job outcome", "job_id", job.ID, "error", err)
		return true
	}
	q.transitioned(ctx, final)

	switch final.Status {
	case model.JobCompleted:
		slog.InfoContext(ctx, "bundle job completed", "job_id", final.ID, "bundle_id", final.BundleID, "retries", final.RetryCount)
	case model.JobRetrying:
		slog.WarnContext(ctx, "bundle job attempt failed, will retry",
			"job_id", final.ID,
			"retry_count", final.RetryCount,
			"next_attempt_at", final.NextAttemptAt,
			"error", procErr,
		)
	default:
		slog.ErrorContext(ctx, "bundle job failed", "job_id", final.ID, "retry_count", final.RetryCount, "error", procErr)
	}
	return true
}

func (q *Queue) progress(id string) ProgressFunc {
	return func(ctx context.Context, progress int, step string) error {
		_, err := q.store.UpdateJob(ctx, id, func(j *model.BundleJob) error {
			now := q.now().UTC()
			j.Progress = progress
			j.CurrentStep = step
			j.UpdatedAt = now
			j.LeaseExpiresAt = now.Add(q.opts.Lease)
			return nil
		})
		if err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		return nil
	}
}

func (q *Queue) transitioned(ctx context.Context, j *model.BundleJob) {
	q.metrics.JobTransitionsTotal.WithLabelValues(string(j.Status)).Inc()
	if err := q.events.PublishJobTransition(ctx, j); err != nil {
		slog.WarnContext(ctx, "failed to publish job transition", "job_id", j.ID, "status", j.Status, "error", err)
	}
}

// Backoff returns the delay before the next attempt after retryCount failed retries: 2^retryCount seconds.
func Backoff(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Second
}
