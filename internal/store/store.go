// Package store is the durable, append-only log store. It owns the SQLite
// database holding audit entries, per-tenant chain heads, sealed batches
// and archive segment metadata.
//
// Entries and chain heads are the system of record. The store exposes
// exactly three write shapes: the append transaction (one entry insert
// plus one head update, atomic), the seal transaction (one batch insert
// plus the sealed-batch stamp on its entries), and the archival
// prune/restore paths. Entry content is never updated.
//
// SQLite runs in WAL mode so queries, verification and the anomaly scan
// read concurrently with appends without blocking them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/veritrail/veritrail/internal/audit"
)

// Store wraps the SQLite database. Safe for concurrent use; per-tenant
// append serialization is the appender's job, not the store's.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id              TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	ts              TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	actor_role      TEXT NOT NULL,
	action          TEXT NOT NULL,
	resource        TEXT NOT NULL,
	resource_id     TEXT NOT NULL DEFAULT '',
	details         TEXT NOT NULL DEFAULT '',
	ip_address      TEXT NOT NULL DEFAULT '',
	user_agent      TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	prev_hash       TEXT NOT NULL,
	entry_hash      TEXT NOT NULL,
	sealed_batch_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_id ON audit_entries(id);
CREATE INDEX IF NOT EXISTS idx_entries_tenant_ts ON audit_entries(tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_entries_tenant_actor ON audit_entries(tenant_id, actor_id);
CREATE INDEX IF NOT EXISTS idx_entries_tenant_action ON audit_entries(tenant_id, action);

CREATE TABLE IF NOT EXISTS chain_heads (
	tenant_id    TEXT PRIMARY KEY,
	last_seq     INTEGER NOT NULL,
	last_hash    TEXT NOT NULL,
	last_ts      TEXT NOT NULL,
	genesis_salt TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sealed_batches (
	batch_id    TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	from_seq    INTEGER NOT NULL,
	to_seq      INTEGER NOT NULL,
	merkle_root TEXT NOT NULL,
	signature   TEXT NOT NULL,
	sealed_at   TEXT NOT NULL,
	UNIQUE (tenant_id, from_seq)
);
CREATE INDEX IF NOT EXISTS idx_batches_tenant ON sealed_batches(tenant_id, to_seq);

CREATE TABLE IF NOT EXISTS archive_segments (
	ref        TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	from_seq   INTEGER NOT NULL,
	to_seq     INTEGER NOT NULL,
	last_hash  TEXT NOT NULL,
	file       TEXT NOT NULL,
	file_sha256 TEXT NOT NULL,
	entries    INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_tenant ON archive_segments(tenant_id, to_seq);
`

// Open opens (or creates) the store database at the given path.
// WAL mode allows the server to append while CLI commands read.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const entryColumns = `id, tenant_id, seq, ts, actor_id, actor_role, action, resource,
	resource_id, details, ip_address, user_agent, session_id, prev_hash, entry_hash, sealed_batch_id`

// --- Chain heads ---

// Head returns the chain head for a tenant, or audit.ErrNotFound if the
// tenant has no chain yet.
func (s *Store) Head(ctx context.Context, tenantID string) (audit.ChainHead, error) {
	var (
		h         audit.ChainHead
		lastTS    string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, last_seq, last_hash, last_ts, genesis_salt, updated_at
		 FROM chain_heads WHERE tenant_id = ?`, tenantID,
	).Scan(&h.TenantID, &h.LastSeq, &h.LastHash, &lastTS, &h.GenesisSalt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.ChainHead{}, fmt.Errorf("chain head for tenant %q: %w", tenantID, audit.ErrNotFound)
	}
	if err != nil {
		return audit.ChainHead{}, fmt.Errorf("reading chain head for %q: %w", tenantID, err)
	}
	h.LastTimestamp = parseTime(lastTS)
	h.UpdatedAt = parseTime(updatedAt)
	return h, nil
}

// CreateHead inserts a genesis head for a new tenant chain. If another
// writer won the race, the existing head is returned instead.
func (s *Store) CreateHead(ctx context.Context, head audit.ChainHead) (audit.ChainHead, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chain_heads (tenant_id, last_seq, last_hash, last_ts, genesis_salt, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		head.TenantID, head.LastSeq, head.LastHash,
		formatTime(head.LastTimestamp), head.GenesisSalt, formatTime(head.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.Head(ctx, head.TenantID)
		}
		return audit.ChainHead{}, fmt.Errorf("creating chain head for %q: %w", head.TenantID, err)
	}
	return head, nil
}

// Tenants lists every tenant that has a chain, ordered by id.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM chain_heads ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Append ---

// AppendEntry commits a fully built entry and advances the tenant's chain
// head in one transaction. The head update is guarded by the expected
// previous sequence number, so even a misbehaving concurrent writer
// cannot fork the chain: the transaction aborts instead.
//
// Any failure is wrapped in audit.ErrAppendAborted; nothing partial is
// ever visible to readers.
func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	detailsJSON, err := marshalDetails(e.Details)
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrAppendAborted, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", audit.ErrAppendAborted, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Seq, formatTime(e.Timestamp),
		e.ActorID, string(e.ActorRole), e.Action, e.Resource, e.ResourceID,
		detailsJSON, e.IPAddress, e.UserAgent, e.SessionID,
		e.PrevHash, e.EntryHash, e.SealedBatchID,
	)
	if err != nil {
		return fmt.Errorf("%w: insert seq %d for %q: %v", audit.ErrAppendAborted, e.Seq, e.TenantID, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chain_heads
		 SET last_seq = ?, last_hash = ?, last_ts = ?, updated_at = ?
		 WHERE tenant_id = ? AND last_seq = ?`,
		e.Seq, e.EntryHash, formatTime(e.Timestamp), formatTime(time.Now().UTC()),
		e.TenantID, e.Seq-1,
	)
	if err != nil {
		return fmt.Errorf("%w: advance head for %q: %v", audit.ErrAppendAborted, e.TenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: advance head for %q: %v", audit.ErrAppendAborted, e.TenantID, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: head of %q moved during append of seq %d", audit.ErrAppendAborted, e.TenantID, e.Seq)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit seq %d for %q: %v", audit.ErrAppendAborted, e.Seq, e.TenantID, err)
	}
	return nil
}

// --- Entry reads ---

// Entry returns one entry by tenant and sequence number.
func (s *Store) Entry(ctx context.Context, tenantID string, seq uint64) (audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE tenant_id = ? AND seq = ?`,
		tenantID, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, fmt.Errorf("entry %s/%d: %w", tenantID, seq, audit.ErrNotFound)
	}
	return e, err
}

// EntriesRange returns entries with fromSeq <= seq <= toSeq in ascending
// sequence order. Missing sequence numbers simply do not appear; gap
// detection is the verifier's job.
func (s *Store) EntriesRange(ctx context.Context, tenantID string, fromSeq, toSeq uint64) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE tenant_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		tenantID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("querying range %d..%d for %q: %w", fromSeq, toSeq, tenantID, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// HashesRange returns only the stored entry hashes for a range, in
// ascending order. The verifier's sealed-range short-circuit and the
// sealer both use this to avoid loading full rows.
func (s *Store) HashesRange(ctx context.Context, tenantID string, fromSeq, toSeq uint64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_hash FROM audit_entries
		 WHERE tenant_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		tenantID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("querying hashes %d..%d for %q: %w", fromSeq, toSeq, tenantID, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// MinSeq returns the lowest sequence number still in the hot store for a
// tenant, or 0 if the tenant has no hot entries (archived or brand new).
func (s *Store) MinSeq(ctx context.Context, tenantID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM audit_entries WHERE tenant_id = ?`, tenantID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading min seq for %q: %w", tenantID, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// EntryCount returns the number of hot entries for a tenant.
func (s *Store) EntryCount(ctx context.Context, tenantID string) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting entries for %q: %w", tenantID, err)
	}
	return n, nil
}

// --- Sealed batches ---

// SealBatch records a signed batch and stamps its entries, atomically.
// The UNIQUE (tenant_id, from_seq) constraint is the idempotency guard:
// re-sealing the same range returns audit.ErrBatchAlreadySealed.
func (s *Store) SealBatch(ctx context.Context, b audit.SealedBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sealing batch: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sealed_batches (batch_id, tenant_id, from_seq, to_seq, merkle_root, signature, sealed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.TenantID, b.FromSeq, b.ToSeq, b.MerkleRoot, b.Signature, formatTime(b.SealedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("batch %s/%d..%d: %w", b.TenantID, b.FromSeq, b.ToSeq, audit.ErrBatchAlreadySealed)
		}
		return fmt.Errorf("inserting sealed batch: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE audit_entries SET sealed_batch_id = ?
		 WHERE tenant_id = ? AND seq >= ? AND seq <= ?`,
		b.BatchID, b.TenantID, b.FromSeq, b.ToSeq,
	)
	if err != nil {
		return fmt.Errorf("stamping sealed entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sealing batch: commit: %w", err)
	}
	return nil
}

// LastSealedSeq returns the highest sealed sequence number for a tenant,
// or 0 if nothing is sealed yet.
func (s *Store) LastSealedSeq(ctx context.Context, tenantID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(to_seq) FROM sealed_batches WHERE tenant_id = ?`, tenantID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading last sealed seq for %q: %w", tenantID, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Batches lists a tenant's sealed batches ordered by range.
func (s *Store) Batches(ctx context.Context, tenantID string) ([]audit.SealedBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, tenant_id, from_seq, to_seq, merkle_root, signature, sealed_at
		 FROM sealed_batches WHERE tenant_id = ? ORDER BY from_seq ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing batches for %q: %w", tenantID, err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// BatchCovering returns the sealed batch whose range contains seq, or
// audit.ErrNotSealed if no batch covers it.
func (s *Store) BatchCovering(ctx context.Context, tenantID string, seq uint64) (audit.SealedBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, tenant_id, from_seq, to_seq, merkle_root, signature, sealed_at
		 FROM sealed_batches WHERE tenant_id = ? AND from_seq <= ? AND to_seq >= ?`,
		tenantID, seq, seq)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.SealedBatch{}, fmt.Errorf("seq %s/%d: %w", tenantID, seq, audit.ErrNotSealed)
	}
	return b, err
}

// BatchesOverlapping returns batches intersecting [fromSeq, toSeq],
// ordered by range. Used by the verifier to short-circuit sealed history.
func (s *Store) BatchesOverlapping(ctx context.Context, tenantID string, fromSeq, toSeq uint64) ([]audit.SealedBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, tenant_id, from_seq, to_seq, merkle_root, signature, sealed_at
		 FROM sealed_batches
		 WHERE tenant_id = ? AND from_seq <= ? AND to_seq >= ?
		 ORDER BY from_seq ASC`,
		tenantID, toSeq, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("listing batches overlapping %d..%d for %q: %w", fromSeq, toSeq, tenantID, err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// --- Archive segments ---

// InsertSegment records archive segment metadata. Written after the
// archive file is durably on disk and before any pruning.
func (s *Store) InsertSegment(ctx context.Context, seg audit.ArchiveSegment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archive_segments (ref, tenant_id, from_seq, to_seq, last_hash, file, file_sha256, entries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.Ref, seg.TenantID, seg.FromSeq, seg.ToSeq, seg.LastHash,
		seg.File, seg.FileSHA256, seg.Entries, formatTime(seg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording archive segment %s: %w", seg.Ref, err)
	}
	return nil
}

// Segments lists a tenant's archive segments ordered by range.
func (s *Store) Segments(ctx context.Context, tenantID string) ([]audit.ArchiveSegment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, tenant_id, from_seq, to_seq, last_hash, file, file_sha256, entries, created_at
		 FROM archive_segments WHERE tenant_id = ? ORDER BY from_seq ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing segments for %q: %w", tenantID, err)
	}
	defer rows.Close()

	var segs []audit.ArchiveSegment
	for rows.Next() {
		var (
			seg       audit.ArchiveSegment
			createdAt string
		)
		if err := rows.Scan(&seg.Ref, &seg.TenantID, &seg.FromSeq, &seg.ToSeq,
			&seg.LastHash, &seg.File, &seg.FileSHA256, &seg.Entries, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning archive segment: %w", err)
		}
		seg.CreatedAt = parseTime(createdAt)
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// SegmentByRef looks up one archive segment.
func (s *Store) SegmentByRef(ctx context.Context, ref string) (audit.ArchiveSegment, error) {
	var (
		seg       audit.ArchiveSegment
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, tenant_id, from_seq, to_seq, last_hash, file, file_sha256, entries, created_at
		 FROM archive_segments WHERE ref = ?`, ref,
	).Scan(&seg.Ref, &seg.TenantID, &seg.FromSeq, &seg.ToSeq,
		&seg.LastHash, &seg.File, &seg.FileSHA256, &seg.Entries, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.ArchiveSegment{}, fmt.Errorf("archive segment %q: %w", ref, audit.ErrNotFound)
	}
	if err != nil {
		return audit.ArchiveSegment{}, fmt.Errorf("reading archive segment %q: %w", ref, err)
	}
	seg.CreatedAt = parseTime(createdAt)
	return seg, nil
}

// PruneArchived deletes hot rows covered by an already recorded archive
// segment. The segment row must exist: archive-then-delete, never the
// reverse. Only sealed entries are eligible.
func (s *Store) PruneArchived(ctx context.Context, ref string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pruning archived range: begin: %w", err)
	}
	defer tx.Rollback()

	var tenantID string
	var fromSeq, toSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, from_seq, to_seq FROM archive_segments WHERE ref = ?`, ref,
	).Scan(&tenantID, &fromSeq, &toSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("pruning archived range: segment %q: %w", ref, audit.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("pruning archived range: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM audit_entries
		 WHERE tenant_id = ? AND seq >= ? AND seq <= ? AND sealed_batch_id != ''`,
		tenantID, fromSeq, toSeq)
	if err != nil {
		return 0, fmt.Errorf("pruning archived range %d..%d for %q: %w", fromSeq, toSeq, tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning archived range: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pruning archived range: commit: %w", err)
	}
	return n, nil
}

// InsertRestored re-inserts archived entries in one transaction. Rows
// that already exist with the identical hash are skipped; an existing row
// with a different hash aborts the whole restore with
// audit.ErrRestoreVerificationFailed.
func (s *Store) InsertRestored(ctx context.Context, entries []audit.Entry) (inserted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("restoring entries: begin: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		e := &entries[i]

		var existing string
		scanErr := tx.QueryRowContext(ctx,
			`SELECT entry_hash FROM audit_entries WHERE tenant_id = ? AND seq = ?`,
			e.TenantID, e.Seq).Scan(&existing)
		switch {
		case scanErr == nil:
			if existing != e.EntryHash {
				return 0, fmt.Errorf("%w: seq %d exists with hash %s, archive has %s",
					audit.ErrRestoreVerificationFailed, e.Seq,
					audit.ShortHash(existing), audit.ShortHash(e.EntryHash))
			}
			continue
		case errors.Is(scanErr, sql.ErrNoRows):
			// Row absent, insert below.
		default:
			return 0, fmt.Errorf("restoring entries: %w", scanErr)
		}

		detailsJSON, mErr := marshalDetails(e.Details)
		if mErr != nil {
			return 0, fmt.Errorf("restoring entries: %w", mErr)
		}
		_, insErr := tx.ExecContext(ctx,
			`INSERT INTO audit_entries (`+entryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TenantID, e.Seq, formatTime(e.Timestamp),
			e.ActorID, string(e.ActorRole), e.Action, e.Resource, e.ResourceID,
			detailsJSON, e.IPAddress, e.UserAgent, e.SessionID,
			e.PrevHash, e.EntryHash, e.SealedBatchID,
		)
		if insErr != nil {
			return 0, fmt.Errorf("restoring seq %d: %w", e.Seq, insErr)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("restoring entries: commit: %w", err)
	}
	return inserted, nil
}

// --- Row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e           audit.Entry
		ts          string
		role        string
		detailsJSON string
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.Seq, &ts, &e.ActorID, &role,
		&e.Action, &e.Resource, &e.ResourceID, &detailsJSON,
		&e.IPAddress, &e.UserAgent, &e.SessionID,
		&e.PrevHash, &e.EntryHash, &e.SealedBatchID,
	)
	if err != nil {
		return audit.Entry{}, err
	}
	e.Timestamp = parseTime(ts)
	e.ActorRole = audit.Role(role)
	if detailsJSON != "" {
		if jsonErr := json.Unmarshal([]byte(detailsJSON), &e.Details); jsonErr != nil {
			return audit.Entry{}, fmt.Errorf("decoding details of %s/%d: %w", e.TenantID, e.Seq, jsonErr)
		}
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanBatch(row rowScanner) (audit.SealedBatch, error) {
	var (
		b        audit.SealedBatch
		sealedAt string
	)
	err := row.Scan(&b.BatchID, &b.TenantID, &b.FromSeq, &b.ToSeq,
		&b.MerkleRoot, &b.Signature, &sealedAt)
	if err != nil {
		return audit.SealedBatch{}, err
	}
	b.SealedAt = parseTime(sealedAt)
	return b, nil
}

func collectBatches(rows *sql.Rows) ([]audit.SealedBatch, error) {
	var batches []audit.SealedBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sealed batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func marshalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encoding details: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isUniqueViolation matches SQLite's constraint error text. The pure-Go
// driver does not export a typed error for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
