package audit

import "errors"

// Sentinel errors for the audit trail. Callers match with errors.Is; the
// wrapped message carries tenant and sequence context.
var (
	// ErrInvalidEntry rejects a candidate entry at the boundary before it
	// ever reaches the chain.
	ErrInvalidEntry = errors.New("audit: invalid entry")

	// ErrEncoding marks a field that the canonical encoder cannot
	// serialize (non-finite numbers, unsupported types).
	ErrEncoding = errors.New("audit: value cannot be canonically encoded")

	// ErrAppendAborted is returned on any storage failure during commit.
	// Nothing partial was written and the chain head did not advance;
	// the append is safe to retry.
	ErrAppendAborted = errors.New("audit: append aborted")

	// ErrClockRegression rejects an entry whose timestamp precedes the
	// tenant's chain head. The caller must resubmit with a fresh time.
	ErrClockRegression = errors.New("audit: timestamp precedes chain head")

	// ErrChainBroken reports a verification failure. It is never repaired
	// automatically; repair would be indistinguishable from tampering.
	ErrChainBroken = errors.New("audit: chain integrity violation")

	// ErrMissingTenantScope rejects a call that resolved no tenant and
	// holds no cross-tenant capability.
	ErrMissingTenantScope = errors.New("audit: missing tenant scope")

	// ErrCrossTenantDenied rejects access to another tenant's chain. The
	// denied attempt is itself recorded as an audit entry.
	ErrCrossTenantDenied = errors.New("audit: cross-tenant access denied")

	// ErrTenantFrozen rejects appends to a tenant placed under an
	// incident-response freeze. Reads and verification stay available.
	ErrTenantFrozen = errors.New("audit: tenant is frozen")

	// ErrBatchAlreadySealed is the sealer's idempotency guard. Retrying
	// callers treat it as success.
	ErrBatchAlreadySealed = errors.New("audit: batch already sealed")

	// ErrNotSealed means a proof was requested for an entry no signed
	// batch covers yet.
	ErrNotSealed = errors.New("audit: entry not covered by a sealed batch")

	// ErrNotFound covers missing tenants, entries, batches and jobs.
	ErrNotFound = errors.New("audit: not found")

	// ErrArchivalFailure marks a failed backup job. Source data is left
	// untouched and the job is safe to retry.
	ErrArchivalFailure = errors.New("audit: archival failed")

	// ErrRestoreVerificationFailed marks a restore whose decoded entries
	// did not verify against their chain or sealed checkpoints. Nothing
	// was inserted.
	ErrRestoreVerificationFailed = errors.New("audit: restore verification failed")
)
