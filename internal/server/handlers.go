package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/chain"
	"github.com/veritrail/veritrail/internal/service"
	"github.com/veritrail/veritrail/internal/store"
)

// handleRecordEvent appends one audit entry to the tenant chain.
// POST /api/tenants/{tenant}/events
// { "action": "...", "resource": "...", "resource_id": "...", "details": {...} }
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev struct {
		Action     string         `json:"action"`
		Resource   string         `json:"resource"`
		ResourceID string         `json:"resource_id"`
		Details    map[string]any `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Action == "" {
		writeErrorMessage(w, http.StatusBadRequest, "action field required")
		return
	}

	entry, err := s.svc.RecordEvent(r.Context(), actorFrom(r), tenantParam(r), service.Event{
		Action:     ev.Action,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Details:    ev.Details,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleListEvents returns one page of entries, oldest first unless
// order=desc.
// GET /api/tenants/{tenant}/events?action=&resource=&resource_id=&actor=&session=&from=&to=&from_seq=&to_seq=&order=&limit=&cursor=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		ActorID:    q.Get("actor"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
		SessionID:  q.Get("session"),
		Since:      queryTime(q.Get("from")),
		Until:      queryTime(q.Get("to")),
		FromSeq:    queryUint(q.Get("from_seq")),
		ToSeq:      queryUint(q.Get("to_seq")),
		Descending: q.Get("order") == "desc",
	}
	p := store.Page{
		Limit:  int(queryUint(q.Get("limit"))),
		Cursor: queryUint(q.Get("cursor")),
	}

	entries, next, err := s.svc.ListEvents(r.Context(), actorFrom(r), tenantParam(r), f, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"next_cursor": next,
	})
}

// handleVerify runs chain verification and returns the report. A broken
// chain is still a 200: the report is the product, valid=false the news.
// GET /api/tenants/{tenant}/verify?from=&to=&deep=
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.svc.VerifyChain(r.Context(), actorFrom(r), tenantParam(r), chain.Params{
		FromSeq: queryUint(q.Get("from")),
		ToSeq:   queryUint(q.Get("to")),
		Deep:    queryBool(q.Get("deep")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVerifyAll sweeps every tenant chain. Cross-tenant capability
// required.
// GET /api/verify/all?deep=
func (s *Server) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.VerifyAll(r.Context(), actorFrom(r), queryBool(r.URL.Query().Get("deep")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleProof returns a Merkle inclusion proof for one sealed entry.
// GET /api/tenants/{tenant}/proof/{seq}
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "seq must be a positive integer")
		return
	}

	proof, err := s.svc.GetProof(r.Context(), actorFrom(r), tenantParam(r), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// handleAnomalies runs the anomaly scan over the configured window.
// GET /api/tenants/{tenant}/anomalies
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ScanAnomalies(r.Context(), actorFrom(r), tenantParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleBatches lists the tenant's sealed batches.
// GET /api/tenants/{tenant}/batches
func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.ListBatches(r.Context(), actorFrom(r), tenantParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// handleSeal seals the tenant's unsealed tail now, off schedule.
// POST /api/tenants/{tenant}/seal
func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.SealNow(r.Context(), actorFrom(r), tenantParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sealed":  len(batches),
		"batches": batches,
	})
}

// handleBackup submits an archive job.
// POST /api/tenants/{tenant}/backup  { "mode": "full|prune" }
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := s.svc.Backup(r.Context(), actorFrom(r), tenantParam(r), req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleRestore submits a restore job for a previously written segment.
// POST /api/tenants/{tenant}/restore  { "archive_ref": "..." }
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArchiveRef string `json:"archive_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ArchiveRef == "" {
		writeErrorMessage(w, http.StatusBadRequest, "archive_ref field required")
		return
	}

	job, err := s.svc.Restore(r.Context(), actorFrom(r), tenantParam(r), req.ArchiveRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleJob returns one job by id, tenant-scoped.
// GET /api/jobs/{id}
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobs lists jobs newest first. Cross-tenant callers see all jobs
// unless they pass ?tenant=; everyone else sees their own tenant's.
// GET /api/jobs?tenant=
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Jobs(r.Context(), actorFrom(r), r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJobCancel cancels a pending or running job.
// DELETE /api/jobs/{id}
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.CancelJob(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleTenants returns the tenant overview. Requires the cross-tenant
// capability since it spans every chain.
// GET /api/tenants
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).CanCross() {
		writeErrorMessage(w, http.StatusForbidden, "cross-tenant capability required")
		return
	}

	infos, err := s.svc.Tenants(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": infos})
}

// handleExport streams the full tenant trail in the requested format.
// GET /api/tenants/{tenant}/export?format=json|jsonl|csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantParam(r)
	format := r.URL.Query().Get("format")

	var contentType, ext string
	switch format {
	case "json":
		contentType, ext = "application/json", "json"
	case "jsonl", "":
		contentType, ext = "application/x-ndjson", "jsonl"
	case "csv":
		contentType, ext = "text/csv", "csv"
	default:
		writeErrorMessage(w, http.StatusBadRequest, "unsupported export format: "+format)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+tenantID+`-audit.`+ext+`"`)

	if err := s.svc.Export(r.Context(), actorFrom(r), tenantID, w, format); err != nil {
		// Scope and read failures happen before the first byte; encoder
		// failures mid-stream can only be logged.
		if errors.Is(err, audit.ErrCrossTenantDenied) ||
			errors.Is(err, audit.ErrMissingTenantScope) ||
			errors.Is(err, audit.ErrNotFound) {
			w.Header().Del("Content-Disposition")
			writeError(w, err)
			return
		}
		slog.Error("export stream failed", "tenant", tenantID, "format", format, "error", err)
	}
}

// handleFreeze places a tenant under an incident-response freeze.
// POST /api/tenants/{tenant}/freeze  { "reason": "..." }
func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "frozen via API"
	}

	tenantID := tenantParam(r)
	if err := s.svc.Freeze(r.Context(), actorFrom(r), tenantID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "frozen", "tenant": tenantID})
}

// handleUnfreeze lifts a freeze.
// POST /api/tenants/{tenant}/unfreeze
func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantParam(r)
	if err := s.svc.Unfreeze(r.Context(), actorFrom(r), tenantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "tenant": tenantID})
}

// --- Query parsing ---

func queryUint(v string) uint64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func queryBool(v string) bool {
	return v == "1" || v == "true"
}

func queryTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
