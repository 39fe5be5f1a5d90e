// Package httpapi is the tenant-facing REST surface: document ingestion,
// job control, artifact downloads, webhook endpoint management and the
// dashboard, plus the operator-only health and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/docrefinery/docrefinery/authn"
	"github.com/docrefinery/docrefinery/blob"
	"github.com/docrefinery/docrefinery/broker"
	"github.com/docrefinery/docrefinery/config"
	"github.com/docrefinery/docrefinery/idgen"
	"github.com/docrefinery/docrefinery/store"
)

// API scopes. A key carries a subset; every route requires one.
const (
	ScopeDocumentsRead  = "documents:read"
	ScopeDocumentsWrite = "documents:write"
	ScopeJobsRead       = "jobs:read"
	ScopeArtifactsRead  = "artifacts:read"
	ScopeWebhooksRead   = "webhooks:read"
	ScopeWebhooksWrite  = "webhooks:write"
	ScopeDashboardRead  = "dashboard:read"
)

// Error codes specific to the HTTP surface. Pipeline codes are reported
// verbatim from the job record.
const (
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeDuplicateDocument    = "DUPLICATE_DOCUMENT"
	CodeInvalidOptions       = "INVALID_OPTIONS"
	CodeMissingSourceFile    = "MISSING_SOURCE_FILE"
	CodeNotCancelable        = "NOT_CANCELABLE"
	CodeNotRetryable         = "NOT_RETRYABLE"
	CodeRetryLimit           = "RETRY_LIMIT"
	CodeNotFound             = "NOT_FOUND"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeInternal             = "INTERNAL"
)

// Notifier receives job state transitions triggered from the API (cancel).
type Notifier interface {
	JobStateChanged(ctx context.Context, job *store.Job, prevStatus, prevStage string)
}

// Versioner reports the conversion engine version for /healthz.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

// Server holds the handlers' shared dependencies.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	blobs   *blob.Root
	broker  *broker.Broker
	engine  Versioner
	notify  Notifier
	limiter *authn.RateLimiter
	log     *slog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option { return func(s *Server) { s.log = log } }

// WithNotifier sets the webhook queue for API-triggered transitions.
func WithNotifier(n Notifier) Option { return func(s *Server) { s.notify = n } }

// WithEngine sets the engine client used by /healthz.
func WithEngine(v Versioner) Option { return func(s *Server) { s.engine = v } }

// New builds a Server.
func New(cfg *config.Config, st *store.Store, blobs *blob.Root, bk *broker.Broker, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		broker:  bk,
		limiter: authn.NewRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimitWindow()),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	auth := authn.New(s.store, s.cfg.ProcessSecret, authn.WithLogger(s.log))

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLog)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(s.limiter.Middleware)

		r.With(authn.RequireScopes(ScopeDocumentsWrite)).Post("/documents", s.handleUploadDocument)
		r.With(authn.RequireScopes(ScopeDocumentsRead)).Get("/documents", s.handleListDocuments)
		r.With(authn.RequireScopes(ScopeDocumentsRead)).Get("/documents/{uuid}", s.handleGetDocument)
		r.With(authn.RequireScopes(ScopeDocumentsWrite)).Post("/documents/{uuid}/compare", s.handleCompareDocument)

		r.With(authn.RequireScopes(ScopeJobsRead)).Get("/jobs", s.handleListJobs)
		r.With(authn.RequireScopes(ScopeJobsRead)).Get("/jobs/{uuid}", s.handleGetJob)
		r.With(authn.RequireScopes(ScopeJobsRead)).Post("/jobs/{uuid}/cancel", s.handleCancelJob)
		r.With(authn.RequireScopes(ScopeJobsRead)).Post("/jobs/{uuid}/retry", s.handleRetryJob)

		r.With(authn.RequireScopes(ScopeArtifactsRead)).Get("/artifacts", s.handleListArtifacts)
		r.With(authn.RequireScopes(ScopeArtifactsRead)).Get("/artifacts/{uuid}", s.handleDownloadArtifact)
		r.With(authn.RequireScopes(ScopeArtifactsRead)).Get("/artifacts/{uuid}/metadata", s.handleGetArtifact)
		r.With(authn.RequireScopes(ScopeArtifactsRead)).Get("/artifacts/{uuid}/download", s.handleDownloadArtifact)

		r.With(authn.RequireScopes(ScopeWebhooksRead)).Get("/webhooks", s.handleListEndpoints)
		r.With(authn.RequireScopes(ScopeWebhooksWrite)).Post("/webhooks", s.handleCreateEndpoint)
		r.With(authn.RequireScopes(ScopeWebhooksRead)).Get("/webhooks/{uuid}", s.handleGetEndpoint)
		r.With(authn.RequireScopes(ScopeWebhooksWrite)).Patch("/webhooks/{uuid}", s.handleUpdateEndpoint)
		r.With(authn.RequireScopes(ScopeWebhooksWrite)).Delete("/webhooks/{uuid}", s.handleDeleteEndpoint)

		r.With(authn.RequireScopes(ScopeDashboardRead)).Get("/dashboard/summary", s.handleDashboardSummary)
		r.With(authn.RequireScopes(ScopeDashboardRead)).Get("/dashboard/usage", s.handleDashboardUsage)
	})

	r.Group(func(r chi.Router) {
		r.Use(authn.InternalToken(s.cfg.InternalToken))
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	})

	return r
}

// requestID honours an inbound X-Request-ID, generating one otherwise, and
// echoes it on the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = idgen.UUIDv7()()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

// tenantID returns the authenticated caller's tenant.
func tenantID(r *http.Request) int64 {
	k := authn.KeyFrom(r.Context())
	if k == nil {
		return 0
	}
	return k.TenantID
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error_code": code, "message": message})
}

// notFound is the opaque miss: absent and other-tenant resources answer
// identically.
func notFound(w http.ResponseWriter) {
	respondError(w, http.StatusNotFound, CodeNotFound, "resource not found")
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		"path", r.URL.Path,
		"request_id", requestIDFrom(r.Context()),
		"error", err,
	)
	respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}

// pageParams reads limit/offset with bounds.
func pageParams(r *http.Request) (int, int) {
	limit := intParam(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset := intParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	var n int
	for _, c := range raw {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
		if n > 1<<30 {
			return def
		}
	}
	return n
}
