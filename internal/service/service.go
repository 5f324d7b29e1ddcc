// Package service is the façade every surface (HTTP API, CLI, cron)
// talks to. It resolves actor scope, audits denied attempts into the
// actor's own chain, honors the freeze list, keeps the tenant registry
// current, and fans committed entries out to the live feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/veritrail/veritrail/internal/archive"
	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/chain"
	"github.com/veritrail/veritrail/internal/metrics"
	"github.com/veritrail/veritrail/internal/scan"
	"github.com/veritrail/veritrail/internal/seal"
	"github.com/veritrail/veritrail/internal/store"
	"github.com/veritrail/veritrail/internal/tenant"
)

// Actions the platform records about itself.
const (
	ActionAccessDenied   = "audit.access_denied"
	ActionTenantFrozen   = "audit.tenant_frozen"
	ActionTenantUnfrozen = "audit.tenant_unfrozen"
)

// Actor is the authenticated caller context. The surrounding platform
// authenticates; these fields arrive as trusted input.
type Actor struct {
	ActorID     string     `json:"actor_id"`
	Role        audit.Role `json:"role"`
	TenantID    string     `json:"tenant_id"`
	CrossTenant bool       `json:"cross_tenant"`
	IPAddress   string     `json:"ip_address,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
}

// CanCross reports whether the actor may operate outside its own tenant.
// The capability flag alone is not enough; only elevated roles carry it.
func (a Actor) CanCross() bool {
	return a.CrossTenant && (a.Role == audit.RoleSuperadmin || a.Role == audit.RoleSystem)
}

// Event is the caller-supplied part of an audit entry. Everything else
// (sequence, hashes, timestamp) is assigned by the chain.
type Event struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Broadcaster receives every committed entry for live distribution.
// The websocket feed hub implements it; a nil feed is skipped.
type Broadcaster interface {
	Broadcast(e audit.Entry)
}

// Deps carries the wired components the service orchestrates.
type Deps struct {
	Store    *store.Store
	Appender *chain.Appender
	Verifier *chain.Verifier
	Sealer   *seal.Sealer
	Scanner  *scan.Scanner
	Archiver *archive.Archiver
	Jobs     *archive.JobQueue
	Registry *tenant.Registry
	Freeze   *tenant.FreezeList
}

// Service exposes every trail operation behind scope checks.
type Service struct {
	store    *store.Store
	appender *chain.Appender
	verifier *chain.Verifier
	sealer   *seal.Sealer
	scanner  *scan.Scanner
	archiver *archive.Archiver
	jobs     *archive.JobQueue
	registry *tenant.Registry
	freeze   *tenant.FreezeList
	feed     Broadcaster
}

// New wires the façade. SetFeed attaches the live feed afterwards, once
// the server side exists.
func New(d Deps) *Service {
	return &Service{
		store:    d.Store,
		appender: d.Appender,
		verifier: d.Verifier,
		sealer:   d.Sealer,
		scanner:  d.Scanner,
		archiver: d.Archiver,
		jobs:     d.Jobs,
		registry: d.Registry,
		freeze:   d.Freeze,
	}
}

// SetFeed attaches the live entry feed. Called once during startup,
// before the server begins accepting requests.
func (s *Service) SetFeed(b Broadcaster) {
	s.feed = b
}

// resolveScope maps the requested tenant onto the actor's permissions.
// An empty request falls back to the actor's own tenant. Reaching for
// another tenant requires the cross-tenant capability; the denied
// attempt is recorded in the actor's own chain before the error returns.
func (s *Service) resolveScope(ctx context.Context, actor Actor, tenantID, op string) (string, error) {
	if tenantID == "" {
		tenantID = actor.TenantID
	}
	if tenantID == "" {
		return "", fmt.Errorf("%s: %w", op, audit.ErrMissingTenantScope)
	}
	if tenantID != actor.TenantID && !actor.CanCross() {
		s.auditDenied(ctx, actor, tenantID, op)
		return "", fmt.Errorf("%s: tenant %q: %w", op, tenantID, audit.ErrCrossTenantDenied)
	}
	return tenantID, nil
}

// auditDenied writes the denial into the actor's own chain. Best effort:
// a failure to record the denial must not mask the denial itself.
func (s *Service) auditDenied(ctx context.Context, actor Actor, attempted, op string) {
	if actor.TenantID == "" {
		return
	}
	_, err := s.appender.Append(ctx, audit.Entry{
		TenantID:   actor.TenantID,
		ActorID:    actor.ActorID,
		ActorRole:  actor.Role,
		Action:     ActionAccessDenied,
		Resource:   "tenant",
		ResourceID: attempted,
		Details: map[string]any{
			"summary":   "cross-tenant access denied",
			"operation": op,
		},
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		SessionID: actor.SessionID,
	})
	if err != nil {
		slog.Warn("recording denied attempt failed", "actor", actor.ActorID, "tenant", actor.TenantID, "error", err)
		return
	}
	s.registry.Touch(actor.TenantID)
	s.registry.RecordDenied(actor.TenantID)
	metrics.RecordAppend(actor.TenantID)
}

// RecordEvent appends one entry to the tenant's chain. Frozen tenants
// reject new entries; reads and verification stay available to them.
func (s *Service) RecordEvent(ctx context.Context, actor Actor, tenantID string, ev Event) (audit.Entry, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "record")
	if err != nil {
		metrics.RecordAppendFailure(failureReason(err))
		return audit.Entry{}, err
	}
	if fe, ok := s.freeze.Entry(t); ok {
		metrics.RecordAppendFailure("frozen")
		return audit.Entry{}, fmt.Errorf("tenant %q frozen since %s (%s): %w",
			t, fe.FrozenAt.Format(time.RFC3339), fe.Reason, audit.ErrTenantFrozen)
	}

	e, err := s.appender.Append(ctx, audit.Entry{
		TenantID:   t,
		ActorID:    actor.ActorID,
		ActorRole:  actor.Role,
		Action:     ev.Action,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Details:    ev.Details,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		SessionID:  actor.SessionID,
	})
	if err != nil {
		metrics.RecordAppendFailure(failureReason(err))
		return audit.Entry{}, err
	}

	s.registry.Touch(t)
	metrics.RecordAppend(t)
	if s.feed != nil {
		s.feed.Broadcast(e)
	}
	return e, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, audit.ErrInvalidEntry):
		return "invalid"
	case errors.Is(err, audit.ErrClockRegression):
		return "clock_regression"
	case errors.Is(err, audit.ErrTenantFrozen):
		return "frozen"
	case errors.Is(err, audit.ErrCrossTenantDenied):
		return "denied"
	case errors.Is(err, audit.ErrMissingTenantScope):
		return "missing_scope"
	case errors.Is(err, audit.ErrAppendAborted):
		return "aborted"
	}
	return "error"
}

// ListEvents queries one tenant's entries with filters and pagination.
// The cursor is the last seen sequence number.
func (s *Service) ListEvents(ctx context.Context, actor Actor, tenantID string, f store.Filter, p store.Page) ([]audit.Entry, uint64, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "list")
	if err != nil {
		return nil, 0, err
	}
	f.TenantID = t
	return s.store.Query(ctx, f, p)
}

// ListBatches returns the tenant's sealed batches, oldest first.
func (s *Service) ListBatches(ctx context.Context, actor Actor, tenantID string) ([]audit.SealedBatch, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "batches")
	if err != nil {
		return nil, err
	}
	return s.store.Batches(ctx, t)
}

// VerifyChain checks one tenant's chain, optionally over a sub-range and
// optionally recomputing inside sealed batches.
func (s *Service) VerifyChain(ctx context.Context, actor Actor, tenantID string, p chain.Params) (chain.Result, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "verify")
	if err != nil {
		return chain.Result{}, err
	}
	res, err := s.verifier.Verify(ctx, t, p)
	if err != nil {
		return chain.Result{}, err
	}
	s.registry.RecordVerify(t)
	metrics.RecordVerify(res.Valid, len(res.Breaks))
	return res, nil
}

// VerifyAll sweeps every tenant chain. Cross-tenant capability required;
// the scheduler calls the unscoped sweep directly.
func (s *Service) VerifyAll(ctx context.Context, actor Actor, deep bool) ([]chain.Result, error) {
	if !actor.CanCross() {
		s.auditDenied(ctx, actor, "*", "verify_all")
		return nil, fmt.Errorf("verify_all: %w", audit.ErrCrossTenantDenied)
	}
	return s.verifySweep(ctx, deep)
}

// verifySweep runs verification across all tenants without scope checks.
// Used by VerifyAll and the cron integrity sweep.
func (s *Service) verifySweep(ctx context.Context, deep bool) ([]chain.Result, error) {
	results, err := s.verifier.VerifyAll(ctx, deep)
	for i := range results {
		s.registry.RecordVerify(results[i].TenantID)
		metrics.RecordVerify(results[i].Valid, len(results[i].Breaks))
	}
	return results, err
}

// GetProof builds the Merkle inclusion proof for one sealed entry.
func (s *Service) GetProof(ctx context.Context, actor Actor, tenantID string, seq uint64) (seal.Proof, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "proof")
	if err != nil {
		return seal.Proof{}, err
	}
	return s.sealer.Proof(ctx, t, seq)
}

// ScanAnomalies runs the anomaly detectors over the tenant's recent
// window. The window and thresholds come from configuration.
func (s *Service) ScanAnomalies(ctx context.Context, actor Actor, tenantID string) (scan.Report, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "scan")
	if err != nil {
		return scan.Report{}, err
	}
	report, err := s.scanner.Scan(ctx, t)
	if err != nil {
		return scan.Report{}, err
	}
	s.registry.RecordScan(t)
	metrics.RecordScan(t, severityCounts(report), report.RiskScore)
	return report, nil
}

func severityCounts(r scan.Report) map[string]int {
	counts := make(map[string]int, 4)
	for _, f := range r.Findings {
		counts[string(f.Severity)]++
	}
	return counts
}

// SealNow triggers the sealer for one tenant outside its schedule.
func (s *Service) SealNow(ctx context.Context, actor Actor, tenantID string) ([]audit.SealedBatch, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "seal")
	if err != nil {
		return nil, err
	}
	batches, err := s.sealer.SealTenant(ctx, t)
	metrics.RecordSealed(len(batches))
	return batches, err
}

// sealSweep seals all tenants. Used by the cron schedule.
func (s *Service) sealSweep(ctx context.Context) (int, error) {
	n, err := s.sealer.SealAll(ctx)
	metrics.RecordSealed(n)
	return n, err
}

// scanSweep scans all tenants. Used by the cron schedule.
func (s *Service) scanSweep(ctx context.Context) ([]scan.Report, error) {
	reports, err := s.scanner.ScanAll(ctx)
	for i := range reports {
		s.registry.RecordScan(reports[i].TenantID)
		metrics.RecordScan(reports[i].TenantID, severityCounts(reports[i]), reports[i].RiskScore)
	}
	return reports, err
}

// Backup queues an archive run. mode accepts "full" (alias "snapshot",
// export and keep) or "prune" (export the sealed prefix and delete it).
func (s *Service) Backup(ctx context.Context, actor Actor, tenantID, mode string) (archive.Job, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "backup")
	if err != nil {
		return archive.Job{}, err
	}
	m, err := parseMode(mode)
	if err != nil {
		return archive.Job{}, err
	}
	return s.jobs.EnqueueBackup(t, m)
}

func parseMode(mode string) (archive.Mode, error) {
	switch mode {
	case "", "full", "snapshot":
		return archive.ModeSnapshot, nil
	case "prune":
		return archive.ModePrune, nil
	}
	return "", fmt.Errorf("%w: unknown backup mode %q (use full or prune)", audit.ErrInvalidEntry, mode)
}

// Restore queues a verified restore of an archived segment. Frozen
// tenants accept restores; the freeze only blocks new appends.
func (s *Service) Restore(ctx context.Context, actor Actor, tenantID, archiveRef string) (archive.Job, error) {
	t, err := s.resolveScope(ctx, actor, tenantID, "restore")
	if err != nil {
		return archive.Job{}, err
	}
	file := archiveRef
	if seg, err := s.store.SegmentByRef(ctx, archiveRef); err == nil {
		file = seg.File
	}
	return s.jobs.EnqueueRestore(t, file)
}

// Job returns one job, scope-checked against the caller.
func (s *Service) Job(ctx context.Context, actor Actor, id string) (archive.Job, error) {
	job, err := s.jobs.Job(id)
	if err != nil {
		return archive.Job{}, err
	}
	if job.TenantID != actor.TenantID && !actor.CanCross() {
		s.auditDenied(ctx, actor, job.TenantID, "job")
		return archive.Job{}, fmt.Errorf("job %s: %w", id, audit.ErrCrossTenantDenied)
	}
	return job, nil
}

// Jobs lists jobs visible to the caller, newest first. Cross-tenant
// callers see everything; others see their own tenant only.
func (s *Service) Jobs(ctx context.Context, actor Actor, tenantID string) ([]archive.Job, error) {
	if actor.CanCross() {
		return s.jobs.Jobs(tenantID), nil
	}
	t, err := s.resolveScope(ctx, actor, tenantID, "jobs")
	if err != nil {
		return nil, err
	}
	return s.jobs.Jobs(t), nil
}

// CancelJob stops a pending or running job the caller may see.
func (s *Service) CancelJob(ctx context.Context, actor Actor, id string) (archive.Job, error) {
	scope := actor.TenantID
	if actor.CanCross() {
		scope = ""
	}
	job, err := s.jobs.Cancel(id, scope)
	if errors.Is(err, audit.ErrCrossTenantDenied) {
		s.auditDenied(ctx, actor, "job:"+id, "cancel_job")
	}
	return job, err
}

// TenantInfo is the registry view of one tenant joined with its chain
// position.
type TenantInfo struct {
	tenant.Tenant
	LastSeq       uint64 `json:"last_seq"`
	LastSealedSeq uint64 `json:"last_sealed_seq"`
	HotEntries    uint64 `json:"hot_entries"`
	Frozen        bool   `json:"frozen"`
}

// Tenants joins the registry with live chain state. Tenants whose chain
// predates the registry file still appear, with zeroed stats.
func (s *Service) Tenants(ctx context.Context) ([]TenantInfo, error) {
	known := s.registry.List()
	byID := make(map[string]tenant.Tenant, len(known))
	ids := make([]string, 0, len(known))
	for _, t := range known {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	chainTenants, err := s.store.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range chainTenants {
		if _, ok := byID[id]; !ok {
			byID[id] = tenant.Tenant{ID: id, Status: tenant.StatusActive}
			ids = append(ids, id)
		}
	}

	out := make([]TenantInfo, 0, len(ids))
	for _, id := range ids {
		info := TenantInfo{Tenant: byID[id], Frozen: s.freeze.IsFrozen(id)}
		if head, err := s.store.Head(ctx, id); err == nil {
			info.LastSeq = head.LastSeq
		} else if !errors.Is(err, audit.ErrNotFound) {
			return nil, err
		}
		if sealed, err := s.store.LastSealedSeq(ctx, id); err == nil {
			info.LastSealedSeq = sealed
		}
		if n, err := s.store.EntryCount(ctx, id); err == nil {
			info.HotEntries = n
		}
		if info.Frozen {
			info.Status = tenant.StatusFrozen
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Freeze halts a tenant's appends. The freeze action itself is recorded
// into the tenant's chain first, while appends are still possible.
func (s *Service) Freeze(ctx context.Context, actor Actor, tenantID, reason string) error {
	t, err := s.resolveScope(ctx, actor, tenantID, "freeze")
	if err != nil {
		return err
	}
	if s.freeze.IsFrozen(t) {
		return nil
	}
	s.recordControl(ctx, actor, t, ActionTenantFrozen, reason)
	if err := s.freeze.Freeze(t, reason, actor.ActorID); err != nil {
		return err
	}
	s.registry.SetStatus(t, tenant.StatusFrozen)
	return nil
}

// Unfreeze lifts the freeze, then records the action once appends work
// again.
func (s *Service) Unfreeze(ctx context.Context, actor Actor, tenantID string) error {
	t, err := s.resolveScope(ctx, actor, tenantID, "unfreeze")
	if err != nil {
		return err
	}
	if !s.freeze.IsFrozen(t) {
		return nil
	}
	if err := s.freeze.Unfreeze(t); err != nil {
		return err
	}
	s.registry.SetStatus(t, tenant.StatusActive)
	s.recordControl(ctx, actor, t, ActionTenantUnfrozen, "")
	return nil
}

// ReloadFreezeList re-reads frozen.yaml. Called by the config watcher.
func (s *Service) ReloadFreezeList() error {
	if err := s.freeze.Reload(); err != nil {
		return err
	}
	for _, t := range s.registry.List() {
		status := tenant.StatusActive
		if s.freeze.IsFrozen(t.ID) {
			status = tenant.StatusFrozen
		}
		s.registry.SetStatus(t.ID, status)
	}
	return nil
}

// SetScanRules hot-swaps the anomaly rule set. Called by the config
// watcher when scan_rules.yaml changes.
func (s *Service) SetScanRules(rules *scan.RuleSet) {
	s.scanner.SetRules(rules)
}

// SaveRegistry persists tenant stats. Called on graceful shutdown.
func (s *Service) SaveRegistry() error {
	return s.registry.Save()
}

// recordControl writes a platform control action into the tenant's own
// chain. Best effort, like auditDenied.
func (s *Service) recordControl(ctx context.Context, actor Actor, tenantID, action, reason string) {
	details := map[string]any{"summary": action}
	if reason != "" {
		details["reason"] = reason
	}
	_, err := s.appender.Append(ctx, audit.Entry{
		TenantID:   tenantID,
		ActorID:    actor.ActorID,
		ActorRole:  actor.Role,
		Action:     action,
		Resource:   "tenant",
		ResourceID: tenantID,
		Details:    details,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		SessionID:  actor.SessionID,
	})
	if err != nil {
		slog.Warn("recording control action failed", "action", action, "tenant", tenantID, "error", err)
		return
	}
	s.registry.Touch(tenantID)
	metrics.RecordAppend(tenantID)
}
