// Package archive moves chain history into self-contained zip segments
// and restores them. A segment holds the entries as JSONL, the sealed
// batches covering them and a manifest; everything needed to verify the
// segment offline travels inside the file.
//
// The pruning flow is strictly archive-then-delete: the segment file is
// durable on disk and its metadata row recorded before any hot rows go
// away. Restores verify the full segment in memory before a single row
// is written back.
package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/seal"
	"github.com/veritrail/veritrail/internal/store"
)

// ErrNothingToArchive reports that a tenant has no archivable range.
var ErrNothingToArchive = errors.New("archive: nothing to archive")

// Mode selects what an archive run does. Snapshot exports everything hot
// including the unsealed tail and leaves the store untouched; prune
// exports the sealed prefix and deletes it from the hot store.
type Mode string

const (
	ModeSnapshot Mode = "snapshot"
	ModePrune    Mode = "prune"
)

const (
	manifestName = "manifest.json"
	entriesName  = "entries.jsonl"
	batchesName  = "batches.json"

	manifestFormat = 1
	readChunk      = 500
)

// Manifest is the segment's self-description, stored as manifest.json.
type Manifest struct {
	Format      int       `json:"format"`
	Ref         string    `json:"ref"`
	TenantID    string    `json:"tenant_id"`
	FromSeq     uint64    `json:"from_seq"`
	ToSeq       uint64    `json:"to_seq"`
	Entries     uint64    `json:"entries"`
	LastHash    string    `json:"last_hash"`
	GenesisSalt string    `json:"genesis_salt"`
	Batches     int       `json:"batches"`
	Mode        Mode      `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArchiveResult summarizes one archive run.
type ArchiveResult struct {
	Segment audit.ArchiveSegment `json:"segment"`
	Mode    Mode                 `json:"mode"`
	Pruned  int64                `json:"pruned"`
}

// RestoreResult summarizes one verified restore.
type RestoreResult struct {
	TenantID string `json:"tenant_id"`
	FromSeq  uint64 `json:"from_seq"`
	ToSeq    uint64 `json:"to_seq"`
	Entries  int    `json:"entries"`
	Inserted int    `json:"inserted"`
	Batches  int    `json:"batches"`
}

// Archiver writes and reads archive segments for one store.
type Archiver struct {
	store  *store.Store
	signer *seal.Signer
	dir    string
	now    func() time.Time
}

// NewArchiver wires an archiver; dir is where segment files live.
func NewArchiver(s *store.Store, signer *seal.Signer, dir string) *Archiver {
	return &Archiver{store: s, signer: signer, dir: dir, now: time.Now}
}

// Archive exports a tenant's archivable range into a zip segment. In
// prune mode the range is the sealed prefix and the exported rows are
// deleted afterwards; in snapshot mode the whole hot chain is exported
// and kept. IO failures wrap audit.ErrArchivalFailure and never leave a
// partially written segment behind.
func (a *Archiver) Archive(ctx context.Context, tenantID string, mode Mode) (ArchiveResult, error) {
	if tenantID == "" {
		return ArchiveResult{}, fmt.Errorf("archive: %w", audit.ErrMissingTenantScope)
	}
	if mode != ModeSnapshot && mode != ModePrune {
		return ArchiveResult{}, fmt.Errorf("archive: unknown mode %q", mode)
	}

	head, err := a.store.Head(ctx, tenantID)
	if err != nil {
		return ArchiveResult{}, err
	}
	from, err := a.store.MinSeq(ctx, tenantID)
	if err != nil {
		return ArchiveResult{}, err
	}
	if from == 0 {
		return ArchiveResult{}, fmt.Errorf("tenant %q has no hot entries: %w", tenantID, ErrNothingToArchive)
	}

	to := head.LastSeq
	if mode == ModePrune {
		lastSealed, err := a.store.LastSealedSeq(ctx, tenantID)
		if err != nil {
			return ArchiveResult{}, err
		}
		to = lastSealed
	}
	if to < from {
		return ArchiveResult{}, fmt.Errorf("tenant %q has no sealed entries to prune: %w", tenantID, ErrNothingToArchive)
	}

	batches, err := a.store.BatchesOverlapping(ctx, tenantID, from, to)
	if err != nil {
		return ArchiveResult{}, err
	}

	ref := uuid.NewString()
	name := segmentFileName(tenantID, from, to, ref)
	manifest := Manifest{
		Format:      manifestFormat,
		Ref:         ref,
		TenantID:    tenantID,
		FromSeq:     from,
		ToSeq:       to,
		GenesisSalt: head.GenesisSalt,
		Batches:     len(batches),
		Mode:        mode,
		CreatedAt:   a.now().UTC(),
	}

	fileSHA, err := a.writeSegment(ctx, filepath.Join(a.dir, name), &manifest, batches)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %v", audit.ErrArchivalFailure, err)
	}

	seg := audit.ArchiveSegment{
		Ref:        ref,
		TenantID:   tenantID,
		FromSeq:    from,
		ToSeq:      to,
		LastHash:   manifest.LastHash,
		File:       name,
		FileSHA256: fileSHA,
		Entries:    manifest.Entries,
		CreatedAt:  manifest.CreatedAt,
	}
	result := ArchiveResult{Segment: seg, Mode: mode}

	if mode == ModePrune {
		if err := a.store.InsertSegment(ctx, seg); err != nil {
			return ArchiveResult{}, fmt.Errorf("%w: %v", audit.ErrArchivalFailure, err)
		}
		pruned, err := a.store.PruneArchived(ctx, ref)
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("%w: segment %s recorded but prune failed: %v",
				audit.ErrArchivalFailure, ref, err)
		}
		result.Pruned = pruned
	}

	slog.Info("archived chain range",
		"tenant", tenantID, "mode", mode, "from", from, "to", to,
		"entries", manifest.Entries, "file", name, "pruned", result.Pruned)
	return result, nil
}

// writeSegment streams the range into <path>.tmp, fsyncs, then renames.
// Returns the file's sha256. The manifest's Entries and LastHash fields
// are filled while streaming.
func (a *Archiver) writeSegment(ctx context.Context, path string, manifest *Manifest, batches []audit.SealedBatch) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("creating segment file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	hasher := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(f, hasher))

	if err := a.streamEntries(ctx, zw, manifest); err != nil {
		return "", err
	}
	if err := writeJSONFile(zw, batchesName, batches); err != nil {
		return "", err
	}
	if err := writeJSONFile(zw, manifestName, manifest); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finishing segment zip: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("syncing segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publishing segment file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (a *Archiver) streamEntries(ctx context.Context, zw *zip.Writer, manifest *Manifest) error {
	w, err := zw.Create(entriesName)
	if err != nil {
		return fmt.Errorf("creating %s: %w", entriesName, err)
	}
	enc := json.NewEncoder(w)
	for start := manifest.FromSeq; start <= manifest.ToSeq; start += readChunk {
		end := start + readChunk - 1
		if end > manifest.ToSeq {
			end = manifest.ToSeq
		}
		entries, err := a.store.EntriesRange(ctx, manifest.TenantID, start, end)
		if err != nil {
			return err
		}
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return fmt.Errorf("encoding entry %d: %w", entries[i].Seq, err)
			}
			manifest.Entries++
			manifest.LastHash = entries[i].EntryHash
		}
	}
	want := manifest.ToSeq - manifest.FromSeq + 1
	if manifest.Entries != want {
		return fmt.Errorf("range %d..%d has %d of %d entries; refusing to archive a gapped chain",
			manifest.FromSeq, manifest.ToSeq, manifest.Entries, want)
	}
	return nil
}

func writeJSONFile(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return nil
}

// segment is a fully loaded archive file.
type segment struct {
	Manifest Manifest
	Entries  []audit.Entry
	Batches  []audit.SealedBatch
}

// Restore verifies a segment file end to end and re-inserts its entries.
// Verification runs entirely in memory first: sequence continuity, the
// recomputed hash chain, Merkle roots and seal signatures, and the
// genesis salt against the tenant's live head. Nothing is written unless
// every check passes.
func (a *Archiver) Restore(ctx context.Context, tenantID, file string) (RestoreResult, error) {
	if tenantID == "" {
		return RestoreResult{}, fmt.Errorf("restore: %w", audit.ErrMissingTenantScope)
	}
	seg, err := a.readSegment(file)
	if err != nil {
		return RestoreResult{}, err
	}
	if seg.Manifest.TenantID != tenantID {
		return RestoreResult{}, fmt.Errorf("%w: segment belongs to tenant %q",
			audit.ErrRestoreVerificationFailed, seg.Manifest.TenantID)
	}
	if err := a.verifySegment(ctx, seg); err != nil {
		return RestoreResult{}, err
	}

	inserted, err := a.store.InsertRestored(ctx, seg.Entries)
	if err != nil {
		return RestoreResult{}, err
	}
	slog.Info("restored archive segment",
		"tenant", tenantID, "file", filepath.Base(file),
		"from", seg.Manifest.FromSeq, "to", seg.Manifest.ToSeq, "inserted", inserted)
	return RestoreResult{
		TenantID: tenantID,
		FromSeq:  seg.Manifest.FromSeq,
		ToSeq:    seg.Manifest.ToSeq,
		Entries:  len(seg.Entries),
		Inserted: inserted,
		Batches:  len(seg.Batches),
	}, nil
}

// VerifyFile runs the restore checks against a segment without writing
// anything back. Used for spot-checking cold storage.
func (a *Archiver) VerifyFile(ctx context.Context, tenantID, file string) (Manifest, error) {
	seg, err := a.readSegment(file)
	if err != nil {
		return Manifest{}, err
	}
	if tenantID != "" && seg.Manifest.TenantID != tenantID {
		return Manifest{}, fmt.Errorf("%w: segment belongs to tenant %q",
			audit.ErrRestoreVerificationFailed, seg.Manifest.TenantID)
	}
	if err := a.verifySegment(ctx, seg); err != nil {
		return Manifest{}, err
	}
	return seg.Manifest, nil
}

// resolve interprets bare file names relative to the archive directory.
func (a *Archiver) resolve(file string) string {
	if filepath.IsAbs(file) || strings.ContainsRune(file, os.PathSeparator) {
		return file
	}
	return filepath.Join(a.dir, file)
}

func (a *Archiver) readSegment(file string) (*segment, error) {
	path := a.resolve(file)
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", path, err)
	}
	defer zr.Close()

	seg := &segment{}
	found := map[string]bool{}
	for _, zf := range zr.File {
		switch zf.Name {
		case manifestName:
			if err := decodeZipJSON(zf, &seg.Manifest); err != nil {
				return nil, err
			}
		case batchesName:
			if err := decodeZipJSON(zf, &seg.Batches); err != nil {
				return nil, err
			}
		case entriesName:
			if err := decodeEntries(zf, seg); err != nil {
				return nil, err
			}
		default:
			continue
		}
		found[zf.Name] = true
	}
	for _, name := range []string{manifestName, entriesName, batchesName} {
		if !found[name] {
			return nil, fmt.Errorf("%w: segment is missing %s", audit.ErrRestoreVerificationFailed, name)
		}
	}
	if seg.Manifest.Format != manifestFormat {
		return nil, fmt.Errorf("%w: unsupported segment format %d",
			audit.ErrRestoreVerificationFailed, seg.Manifest.Format)
	}
	return seg, nil
}

func decodeZipJSON(zf *zip.File, v any) error {
	r, err := zf.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", zf.Name, err)
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", audit.ErrRestoreVerificationFailed, zf.Name, err)
	}
	return nil
}

func decodeEntries(zf *zip.File, seg *segment) error {
	r, err := zf.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", zf.Name, err)
	}
	defer r.Close()
	dec := json.NewDecoder(r)
	for dec.More() {
		var e audit.Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("%w: decoding entry %d: %v",
				audit.ErrRestoreVerificationFailed, len(seg.Entries)+1, err)
		}
		seg.Entries = append(seg.Entries, e)
	}
	return nil
}

// verifySegment re-derives everything the segment claims.
func (a *Archiver) verifySegment(ctx context.Context, seg *segment) error {
	m := seg.Manifest
	// A segment always covers at least one entry; a manifest declaring an
	// empty or inverted range is corrupt, and the unsigned-arithmetic
	// count below would accept it.
	if m.FromSeq == 0 || m.ToSeq < m.FromSeq {
		return fmt.Errorf("%w: manifest declares empty range %d..%d",
			audit.ErrRestoreVerificationFailed, m.FromSeq, m.ToSeq)
	}
	want := m.ToSeq - m.FromSeq + 1
	if uint64(len(seg.Entries)) != want || m.Entries != want {
		return fmt.Errorf("%w: manifest claims %d entries over %d..%d, file has %d",
			audit.ErrRestoreVerificationFailed, m.Entries, m.FromSeq, m.ToSeq, len(seg.Entries))
	}

	// The live head is the trust anchor for the genesis salt.
	head, err := a.store.Head(ctx, m.TenantID)
	if err != nil {
		return err
	}
	if head.GenesisSalt != m.GenesisSalt {
		return fmt.Errorf("%w: genesis salt does not match the live chain",
			audit.ErrRestoreVerificationFailed)
	}

	prev, havePrev, err := a.anchorFor(ctx, m)
	if err != nil {
		return err
	}

	for i := range seg.Entries {
		e := &seg.Entries[i]
		wantSeq := m.FromSeq + uint64(i)
		if e.Seq != wantSeq {
			return fmt.Errorf("%w: expected seq %d at position %d, found %d",
				audit.ErrRestoreVerificationFailed, wantSeq, i, e.Seq)
		}
		if e.TenantID != m.TenantID {
			return fmt.Errorf("%w: entry %d belongs to tenant %q",
				audit.ErrRestoreVerificationFailed, e.Seq, e.TenantID)
		}
		if havePrev && e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor",
				audit.ErrRestoreVerificationFailed, e.Seq)
		}
		recomputed, err := audit.ComputeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d cannot be re-encoded: %v",
				audit.ErrRestoreVerificationFailed, e.Seq, err)
		}
		if recomputed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash does not match its content",
				audit.ErrRestoreVerificationFailed, e.Seq)
		}
		prev, havePrev = e.EntryHash, true
	}
	if seg.Entries[len(seg.Entries)-1].EntryHash != m.LastHash {
		return fmt.Errorf("%w: manifest last hash does not match the entries",
			audit.ErrRestoreVerificationFailed)
	}

	for _, b := range seg.Batches {
		if b.FromSeq < m.FromSeq || b.ToSeq > m.ToSeq {
			continue // batch extends past the segment; verified via the store instead
		}
		hashes := make([]string, 0, b.ToSeq-b.FromSeq+1)
		for seq := b.FromSeq; seq <= b.ToSeq; seq++ {
			hashes = append(hashes, seg.Entries[seq-m.FromSeq].EntryHash)
		}
		if seal.MerkleRoot(hashes) != b.MerkleRoot {
			return fmt.Errorf("%w: batch %s merkle root does not match its entries",
				audit.ErrRestoreVerificationFailed, b.BatchID)
		}
		if err := a.signer.VerifyBatch(b); err != nil {
			return fmt.Errorf("%w: batch %s: %v", audit.ErrRestoreVerificationFailed, b.BatchID, err)
		}
	}
	return nil
}

// anchorFor finds the hash the segment's first entry must link to.
func (a *Archiver) anchorFor(ctx context.Context, m Manifest) (string, bool, error) {
	if m.FromSeq == 1 {
		return audit.GenesisHash(m.GenesisSalt), true, nil
	}
	prev, err := a.store.Entry(ctx, m.TenantID, m.FromSeq-1)
	if err == nil {
		return prev.EntryHash, true, nil
	}
	if !errors.Is(err, audit.ErrNotFound) {
		return "", false, err
	}
	segs, err := a.store.Segments(ctx, m.TenantID)
	if err != nil {
		return "", false, err
	}
	for _, s := range segs {
		if s.ToSeq == m.FromSeq-1 {
			return s.LastHash, true, nil
		}
	}
	return "", false, nil
}

// FileSHA256 hashes a segment file for integrity spot checks.
func (a *Archiver) FileSHA256(file string) (string, error) {
	f, err := os.Open(a.resolve(file))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return sumHex(h), nil
}

func sumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func segmentFileName(tenantID string, from, to uint64, ref string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, tenantID)
	return fmt.Sprintf("%s-%08d-%08d-%s.zip", safe, from, to, ref[:8])
}
