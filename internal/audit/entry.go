// Package audit defines the core data model of the tamper-evident audit
// trail: immutable chained entries, per-tenant chain heads, the canonical
// byte encoding used as hash input, and the hash chain primitives.
//
// Every privileged action in the surrounding platform is recorded as an
// Entry. Entries form a per-tenant hash chain: each entry's hash covers
// the previous entry's hash plus the canonical encoding of its own
// fields, so any retroactive modification, deletion, or reordering of
// history is detectable by recomputation.
//
// This package is storage-free and side-effect-free. Persistence lives in
// internal/store, chain extension and verification in internal/chain.
package audit

import (
	"fmt"
	"time"
)

// Role identifies the privilege class of the actor who performed an action.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
	RoleSystem     Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperadmin, RoleSystem:
		return true
	}
	return false
}

// PlatformTenant is the reserved tenant for cross-tenant platform actors.
// Operational actions that do not belong to any customer organization
// (freezes, restores, service lifecycle) are chained under this tenant.
const PlatformTenant = "platform"

// Entry is one immutable audit record. Once committed it is never updated
// or deleted; SealedBatchID is the single exception, stamped by the batch
// sealer after commit and deliberately excluded from the entry hash.
type Entry struct {
	// ID is a globally unique identifier, never reused.
	ID string `json:"id"`

	// TenantID is the owning organization. Every entry belongs to exactly
	// one tenant; chains of different tenants are fully independent.
	TenantID string `json:"tenant_id"`

	// Seq is the per-tenant sequence number: monotonically increasing,
	// gap-free, starting at 1. Defines chain order.
	Seq uint64 `json:"seq"`

	// Timestamp is the entry creation time in UTC. Enforced to be >= the
	// previous entry's timestamp for the same tenant at append time.
	Timestamp time.Time `json:"timestamp"`

	ActorID   string `json:"actor_id"`
	ActorRole Role   `json:"actor_role"`

	// Action is a dotted lowercase verb such as "consent.granted" or
	// "user.role_changed". Unknown-but-valid actions are accepted and
	// classified as custom.
	Action     string `json:"action"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id,omitempty"`

	// Details carries the structured payload: conventional keys are
	// "before", "after" and "summary". The content is hashed as an opaque
	// canonical blob; its internal structure is never interpreted.
	Details map[string]any `json:"details,omitempty"`

	// Request provenance.
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// PrevHash is the hash of the preceding entry in the same tenant's
	// chain, or the tenant's genesis hash for Seq 1.
	PrevHash string `json:"prev_hash"`

	// EntryHash is sha256(PrevHash || CanonicalEncode(entry)).
	EntryHash string `json:"entry_hash"`

	// SealedBatchID is empty until the entry is covered by a signed
	// Merkle batch. Not part of the canonical encoding.
	SealedBatchID string `json:"sealed_batch_id,omitempty"`
}

// ChainHead is the per-tenant chain pointer: the only mutable row in the
// system, updated exactly once per successful append inside the same
// transaction as the entry insert.
type ChainHead struct {
	TenantID      string    `json:"tenant_id"`
	LastSeq       uint64    `json:"last_seq"`
	LastHash      string    `json:"last_hash"`
	LastTimestamp time.Time `json:"last_timestamp"`

	// GenesisSalt is generated once when the tenant's chain is created.
	// The chain's genesis hash is sha256(GenesisSalt || "GENESIS").
	GenesisSalt string `json:"genesis_salt"`

	UpdatedAt time.Time `json:"updated_at"`
}

// GenesisHead returns a zero-position head for a brand new tenant chain.
// LastHash is the genesis hash so the first appended entry links to it.
func GenesisHead(tenantID, salt string, now time.Time) ChainHead {
	return ChainHead{
		TenantID:  tenantID,
		LastSeq:   0,
		LastHash:  GenesisHash(salt),
		// LastTimestamp stays zero so any real timestamp passes the
		// monotonic check on the first append.
		GenesisSalt: salt,
		UpdatedAt:   now.UTC(),
	}
}

// Known action classes. The taxonomy is open-ended: the class is the
// segment before the first dot, and actions outside this set are valid
// but classified as "custom".
var knownActionClasses = map[string]struct{}{
	"auth":     {},
	"user":     {},
	"consent":  {},
	"content":  {},
	"data":     {},
	"admin":    {},
	"audit":    {},
	"platform": {},
	"billing":  {},
}

// ClassifyAction returns the taxonomy class of an action and whether the
// class is one of the known ones. "consent.granted" -> ("consent", true),
// "webhook.fired" -> ("custom", false).
func ClassifyAction(action string) (string, bool) {
	class := action
	for i := 0; i < len(action); i++ {
		if action[i] == '.' {
			class = action[:i]
			break
		}
	}
	if _, ok := knownActionClasses[class]; ok {
		return class, true
	}
	return "custom", false
}

// ValidateAction checks the action against the boundary rules: non-empty,
// lowercase letters, digits, dots, underscores and hyphens only.
func ValidateAction(action string) error {
	if action == "" {
		return fmt.Errorf("%w: action is empty", ErrInvalidEntry)
	}
	for i := 0; i < len(action); i++ {
		c := action[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-' {
			continue
		}
		return fmt.Errorf("%w: action %q contains invalid character %q", ErrInvalidEntry, action, c)
	}
	return nil
}

// ValidateCandidate checks the caller-supplied fields of an entry before
// it is admitted to the appender. Seq, Timestamp, PrevHash and EntryHash
// are the appender's to assign and are ignored here.
func ValidateCandidate(e *Entry) error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenant id is empty", ErrInvalidEntry)
	}
	if e.ActorID == "" {
		return fmt.Errorf("%w: actor id is empty", ErrInvalidEntry)
	}
	if !e.ActorRole.Valid() {
		return fmt.Errorf("%w: unknown actor role %q", ErrInvalidEntry, e.ActorRole)
	}
	if err := ValidateAction(e.Action); err != nil {
		return err
	}
	if e.Resource == "" {
		return fmt.Errorf("%w: resource is empty", ErrInvalidEntry)
	}
	return nil
}
