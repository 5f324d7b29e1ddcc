// Package server exposes the audit trail over HTTP.
//
// Routes are tenant-scoped under /api/tenants/{tenant} (events, verify,
// proofs, anomalies, batches, seal, backup, restore, export, freeze)
// plus cross-cutting surfaces:
//
//   - GET  /api/tenants       — tenant overview (cross-tenant capability)
//   - GET  /api/verify/all    — integrity sweep over every chain
//   - GET  /api/jobs, /api/jobs/{id}, DELETE /api/jobs/{id}
//   - GET  /api/feed/ws       — live entry feed (websocket)
//   - GET  /health, /metrics
//
// Actor identity arrives pre-authenticated from the surrounding platform
// in X-Actor-Id / X-Actor-Role / X-Actor-Tenant / X-Cross-Tenant headers;
// the server never authenticates, it only scopes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veritrail/veritrail/internal/archive"
	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/metrics"
	"github.com/veritrail/veritrail/internal/service"
)

// Server routes HTTP requests to the service façade.
type Server struct {
	svc  *service.Service
	feed *Feed
}

// Options toggles optional surfaces.
type Options struct {
	// FeedEnabled serves the live entry feed at /api/feed/ws and wires
	// the hub into the service as its broadcaster.
	FeedEnabled bool
}

// New builds a Server and, when the feed is enabled, registers its hub
// as the service broadcaster.
func New(svc *service.Service, opts Options) *Server {
	s := &Server{svc: svc}
	if opts.FeedEnabled {
		s.feed = NewFeed()
		svc.SetFeed(s.feed)
	}
	return s
}

// Handler returns the assembled chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(recordMetrics)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.feed != nil {
		r.Get("/api/feed/ws", s.feed.handleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(withActor)

		r.Get("/api/tenants", s.handleTenants)
		r.Get("/api/verify/all", s.handleVerifyAll)
		r.Get("/api/jobs", s.handleJobs)
		r.Get("/api/jobs/{id}", s.handleJob)
		r.Delete("/api/jobs/{id}", s.handleJobCancel)

		r.Route("/api/tenants/{tenant}", func(r chi.Router) {
			r.Post("/events", s.handleRecordEvent)
			r.Get("/events", s.handleListEvents)
			r.Get("/verify", s.handleVerify)
			r.Get("/proof/{seq}", s.handleProof)
			r.Get("/anomalies", s.handleAnomalies)
			r.Get("/batches", s.handleBatches)
			r.Post("/seal", s.handleSeal)
			r.Post("/backup", s.handleBackup)
			r.Post("/restore", s.handleRestore)
			r.Get("/export", s.handleExport)
			r.Post("/freeze", s.handleFreeze)
			r.Post("/unfreeze", s.handleUnfreeze)
		})
	})

	return r
}

// handleHealth reports liveness.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Actor context ---

type ctxKey int

const actorKey ctxKey = 0

// withActor extracts the caller identity from the trusted platform
// headers and rejects requests that carry none. Role defaults to user.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := r.Header.Get("X-Actor-Id")
		if actorID == "" {
			writeErrorMessage(w, http.StatusBadRequest, "missing X-Actor-Id header")
			return
		}

		role := audit.Role(r.Header.Get("X-Actor-Role"))
		if role == "" {
			role = audit.RoleUser
		}
		if !role.Valid() {
			writeErrorMessage(w, http.StatusBadRequest, "unknown actor role "+string(role))
			return
		}

		cross := r.Header.Get("X-Cross-Tenant")
		actor := service.Actor{
			ActorID:     actorID,
			Role:        role,
			TenantID:    r.Header.Get("X-Actor-Tenant"),
			CrossTenant: cross == "1" || cross == "true",
			IPAddress:   clientIP(r),
			UserAgent:   r.Header.Get("User-Agent"),
			SessionID:   r.Header.Get("X-Session-Id"),
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the actor stored by withActor.
func actorFrom(r *http.Request) service.Actor {
	actor, _ := r.Context().Value(actorKey).(service.Actor)
	return actor
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Metrics middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// recordMetrics records request duration and count for each request.
// Wraps the chain after recovery so metrics reflect the actual outcome.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if r.URL.Path == "/metrics" {
			return
		}
		metrics.RecordRequest(r.Method, metrics.NormalizePath(r.URL.Path), sw.status, time.Since(start).Seconds())
	})
}

// --- Response helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeErrorMessage sends a JSON error payload with a single error field.
func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errMessageInternal is the generic message for 500 responses. Internal
// details stay in the server log.
const errMessageInternal = "internal server error"

// writeError maps domain sentinels onto HTTP status codes. Unrecognized
// errors become an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, audit.ErrEncoding),
		errors.Is(err, audit.ErrMissingTenantScope):
		status = http.StatusBadRequest
	case errors.Is(err, audit.ErrCrossTenantDenied):
		status = http.StatusForbidden
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, audit.ErrNotSealed):
		status = http.StatusNotFound
	case errors.Is(err, audit.ErrTenantFrozen):
		status = http.StatusLocked
	case errors.Is(err, audit.ErrClockRegression), errors.Is(err, audit.ErrChainBroken):
		status = http.StatusConflict
	case errors.Is(err, audit.ErrRestoreVerificationFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, audit.ErrAppendAborted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, archive.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, archive.ErrJobConflict):
		status = http.StatusConflict
	case errors.Is(err, archive.ErrQueueFull):
		status = http.StatusTooManyRequests
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = errMessageInternal
	}
	writeErrorMessage(w, status, msg)
}

// tenantParam returns the {tenant} URL segment.
func tenantParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "tenant"))
}
