// Package server implements the HTTP handlers and routing for the commerce service.
// It exposes the Stripe webhook, purchase verification and read endpoints, the
// bundle content sub-resource and the bundle job endpoints.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errordefs "github.com/RegistryAccord/registryaccord-commerce-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/event"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/fulfillment"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/jobs"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/media"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-commerce-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyUID           ContextKey = "uid"           // Caller uid from a verified bearer token
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
	contextKeyRequestInfo   ContextKey = "requestInfo"   // *requestInfo shared with inner middleware

	// Stripe sends events well under this size
	maxWebhookBytes = 1 << 16
	maxBodyBytes    = 1 << 20
)

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Store     *storage.Store
	Tokens    identity.TokenVerifier
	Resolver  *fulfillment.Resolver
	Verifier  *fulfillment.Verifier
	Webhooks  *fulfillment.WebhookProcessor
	Jobs      *jobs.Queue
	Validator *schema.Validator
	Signer    *media.Signer // nil leaves content URLs unsigned

	WebhookSecret      string
	CORSAllowedOrigins []string // empty disables CORS headers
}

// Mux handles HTTP requests for the commerce service.
type Mux struct {
	router  *mux.Router
	deps    Deps
	metrics *metrics.Metrics
}

// NewMux creates the service router with all endpoints registered.
func NewMux(d Deps) http.Handler {
	m := &Mux{
		router:  mux.NewRouter(),
		deps:    d,
		metrics: metrics.NewMetrics(),
	}
	r := m.router

	// Health endpoints
	r.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", m.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(m.observe)

	// Signed by Stripe, or self-authenticating via the checkout reference
	api.HandleFunc("/webhooks/stripe", m.handleStripeWebhook).Methods(http.MethodPost)
	api.HandleFunc("/purchases/verify", m.handleVerifyPurchase).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(m.authenticate)
	authed.HandleFunc("/purchases", m.handleListPurchases).Methods(http.MethodGet)
	authed.HandleFunc("/purchases/{id}", m.handleGetPurchase).Methods(http.MethodGet)
	authed.HandleFunc("/bundles/{bundleId}/content", m.handleGetContent).Methods(http.MethodGet)
	authed.HandleFunc("/bundles/{bundleId}/content", m.handleAddContent).Methods(http.MethodPost)
	authed.HandleFunc("/bundles/{bundleId}/content", m.handleRemoveContent).Methods(http.MethodDelete)
	authed.HandleFunc("/bundle-jobs", m.handleSubmitJob).Methods(http.MethodPost)
	authed.HandleFunc("/bundle-jobs", m.handleGetJob).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.writeErrorDef(w, &errordefs.Error{
			Code:          errordefs.COMMERCE_BAD_REQUEST,
			Message:       "method not allowed",
			CorrelationID: r.Header.Get("X-Correlation-Id"),
			HTTPStatus:    http.StatusMethodNotAllowed,
		})
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_NOT_FOUND, "route not found", r.Header.Get("X-Correlation-Id")))
	})

	if len(d.CORSAllowedOrigins) == 0 {
		return r
	}
	return handlers.CORS(
		handlers.AllowedOrigins(d.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Correlation-Id"}),
		handlers.ExposedHeaders([]string{"X-Correlation-Id"}),
		handlers.MaxAge(86400),
	)(r)
}

// requestInfo collects values set by inner middleware that observe logs once the
// handler returns; inner middleware only sees a derived request.
type requestInfo struct {
	uid string
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe assigns the correlation ID, then logs and measures the request.
func (m *Mux) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = event.WithCorrelationID(ctx, correlationID)
		info := &requestInfo{}
		ctx = context.WithValue(ctx, contextKeyRequestInfo, info)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, path, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), correlationID, info.uid)
	})
}

// authenticate requires a valid bearer ID token and stores the caller uid.
func (m *Mux) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := correlationIDFrom(r.Context())

		token, ok := bearerToken(r)
		if !ok {
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHN, "missing or malformed Authorization header", correlationID))
			return
		}
		uid, err := m.deps.Tokens.VerifyIDToken(r.Context(), token)
		if err != nil {
			slog.WarnContext(r.Context(), "bearer token rejected", "error", err, "correlation_id", correlationID)
			m.writeErrorDef(w, errordefs.New(errordefs.COMMERCE_AUTHN, "invalid or expired token", correlationID))
			return
		}
		if info, ok := r.Context().Value(contextKeyRequestInfo).(*requestInfo); ok {
			info.uid = uid
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyUID, uid)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func uidFrom(ctx context.Context) string {
	uid, _ := ctx.Value(ContextKeyUID).(string)
	return uid
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// readBody reads at most limit bytes of the request body.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	m.writeJSON(w, statusCode, map[string]interface{}{"data": data})
}

func (m *Mux) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an error response in the service error envelope
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	m.writeJSON(w, statusCode, map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID, uid string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if uid != "" {
		attrs = append(attrs, slog.String("uid", uid))
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the document store is reachable.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.deps.Store.Ping(ctx); err != nil {
		slog.ErrorContext(ctx, "readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
