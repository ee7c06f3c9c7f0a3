package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/RegistryAccord/registryaccord-commerce-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/model"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/telemetry"
)

// handleSubmitJob handles POST /api/bundle-jobs. The job runs in the background;
// the caller polls GET /api/bundle-jobs?jobId=.
func (m *Mux) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleSubmitJob")
	defer span.End()
	correlationID := correlationIDFrom(ctx)

	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_BAD_REQUEST, "failed to read body", correlationID))
		return
	}
	if !m.validate(w, schema.BundleJob, body, correlationID) {
		return
	}
	var req model.BundleJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_BAD_REQUEST, "invalid JSON", correlationID))
		return
	}

	job, err := m.deps.Jobs.Submit(ctx, uidFrom(ctx), req)
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "failed to queue bundle job", "error", err, "correlation_id", correlationID)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to queue bundle job", correlationID))
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	m.writeSuccess(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// handleGetJob handles GET /api/bundle-jobs?jobId=. Only the submitter may poll.
func (m *Mux) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleGetJob")
	defer span.End()
	correlationID := correlationIDFrom(ctx)

	id := r.URL.Query().Get("jobId")
	if id == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_VALIDATION, "jobId query parameter is required", correlationID))
		return
	}
	span.SetAttributes(attribute.String("job.id", id))

	job, err := m.deps.Jobs.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, "job not found", correlationID))
		return
	}
	if err != nil {
		span.RecordError(err)
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_INTERNAL, "failed to load job", correlationID))
		return
	}
	if job.UserID != uidFrom(ctx) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, "job not found", correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, job.StatusView())
}
