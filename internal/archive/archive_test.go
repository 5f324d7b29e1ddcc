package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/chain"
	"github.com/veritrail/veritrail/internal/seal"
	"github.com/veritrail/veritrail/internal/store"
)

type archClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *archClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// archEnv wires the full write path (appender, sealer) plus an archiver
// around one SQLite file and one segment directory.
type archEnv struct {
	t      *testing.T
	store  *store.Store
	app    *chain.Appender
	sealer *seal.Sealer
	ver    *chain.Verifier
	arch   *Archiver
}

func newArchEnv(t *testing.T) *archEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &archClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	signer := seal.NewSignerFromSeed(bytes.Repeat([]byte{9}, 32))
	return &archEnv{
		t:      t,
		store:  s,
		app:    chain.NewAppenderWithClock(s, clock.now),
		sealer: seal.NewSealer(s, signer, 4),
		ver:    chain.NewVerifier(s, signer),
		arch:   NewArchiver(s, signer, filepath.Join(dir, "segments")),
	}
}

func (env *archEnv) seed(tenantID string, n int) {
	env.t.Helper()
	for i := 0; i < n; i++ {
		_, err := env.app.Append(context.Background(), audit.Entry{
			TenantID:  tenantID,
			ActorID:   "user-1",
			ActorRole: audit.RoleUser,
			Action:    "consent.granted",
			Resource:  "consent",
			Details:   map[string]any{"summary": "granted marketing consent"},
		})
		if err != nil {
			env.t.Fatalf("seeding entry %d: %v", i+1, err)
		}
	}
}

func (env *archEnv) seal(tenantID string) {
	env.t.Helper()
	if _, err := env.sealer.SealTenant(context.Background(), tenantID); err != nil {
		env.t.Fatalf("sealing: %v", err)
	}
}

// rewriteSegment loads a segment file, lets the test mutate it, and
// writes it back in place.
func (env *archEnv) rewriteSegment(file string, mutate func(*segment)) {
	env.t.Helper()
	seg, err := env.arch.readSegment(file)
	if err != nil {
		env.t.Fatalf("reading segment for rewrite: %v", err)
	}
	mutate(seg)

	path := env.arch.resolve(file)
	f, err := os.Create(path)
	if err != nil {
		env.t.Fatalf("rewriting segment: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create(entriesName)
	if err != nil {
		env.t.Fatalf("rewriting entries: %v", err)
	}
	enc := json.NewEncoder(w)
	for i := range seg.Entries {
		if err := enc.Encode(&seg.Entries[i]); err != nil {
			env.t.Fatalf("encoding entry: %v", err)
		}
	}
	if err := writeJSONFile(zw, batchesName, seg.Batches); err != nil {
		env.t.Fatalf("rewriting batches: %v", err)
	}
	if err := writeJSONFile(zw, manifestName, &seg.Manifest); err != nil {
		env.t.Fatalf("rewriting manifest: %v", err)
	}
	if err := zw.Close(); err != nil {
		env.t.Fatalf("closing rewritten segment: %v", err)
	}
}

func TestArchive_PruneMovesSealedPrefix(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 8)
	env.seal("acme")
	env.seed("acme", 2) // unsealed tail 9..10 stays hot

	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Segment.FromSeq != 1 || res.Segment.ToSeq != 8 {
		t.Fatalf("segment covers %d..%d, want 1..8", res.Segment.FromSeq, res.Segment.ToSeq)
	}
	if res.Pruned != 8 {
		t.Fatalf("pruned %d rows, want 8", res.Pruned)
	}
	if res.Segment.Entries != 8 {
		t.Fatalf("segment entry count = %d, want 8", res.Segment.Entries)
	}

	minSeq, err := env.store.MinSeq(ctx, "acme")
	if err != nil {
		t.Fatalf("MinSeq: %v", err)
	}
	if minSeq != 9 {
		t.Fatalf("hot chain starts at %d after prune, want 9", minSeq)
	}

	segs, err := env.store.Segments(ctx, "acme")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 1 || segs[0].Ref != res.Segment.Ref {
		t.Fatalf("segment row not recorded: %+v", segs)
	}

	// The file's recorded digest must match its bytes on disk.
	sum, err := env.arch.FileSHA256(res.Segment.File)
	if err != nil {
		t.Fatalf("FileSHA256: %v", err)
	}
	if sum != res.Segment.FileSHA256 {
		t.Fatalf("file sha256 = %s, recorded %s", sum, res.Segment.FileSHA256)
	}

	// The remaining hot chain still verifies, anchored on the segment.
	vres, err := env.ver.Verify(ctx, "acme", chain.Params{Deep: true})
	if err != nil {
		t.Fatalf("Verify after prune: %v", err)
	}
	if !vres.Valid || vres.Checked != 2 {
		t.Fatalf("post-prune verify: valid=%v checked=%d, want valid over 2", vres.Valid, vres.Checked)
	}
}

func TestArchive_SnapshotLeavesStoreUntouched(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 4)
	env.seal("acme")
	env.seed("acme", 2) // tail 5..6 stays unsealed

	res, err := env.arch.Archive(ctx, "acme", ModeSnapshot)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Segment.FromSeq != 1 || res.Segment.ToSeq != 6 {
		t.Fatalf("snapshot covers %d..%d, want 1..6 including the unsealed tail",
			res.Segment.FromSeq, res.Segment.ToSeq)
	}
	if res.Pruned != 0 {
		t.Fatalf("snapshot pruned %d rows", res.Pruned)
	}

	count, err := env.store.EntryCount(ctx, "acme")
	if err != nil {
		t.Fatalf("EntryCount: %v", err)
	}
	if count != 6 {
		t.Fatalf("hot store has %d entries after snapshot, want 6", count)
	}
	segs, err := env.store.Segments(ctx, "acme")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("snapshot recorded %d segment rows, want none", len(segs))
	}

	m, err := env.arch.VerifyFile(ctx, "acme", res.Segment.File)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if m.Entries != 6 || m.Batches != 1 {
		t.Fatalf("manifest reports %d entries, %d batches, want 6 and 1", m.Entries, m.Batches)
	}
}

func TestArchive_NothingToPrune(t *testing.T) {
	env := newArchEnv(t)
	env.seed("acme", 3) // nothing sealed yet

	_, err := env.arch.Archive(context.Background(), "acme", ModePrune)
	if !errors.Is(err, ErrNothingToArchive) {
		t.Fatalf("prune without sealed entries = %v, want ErrNothingToArchive", err)
	}
}

func TestArchive_UnknownTenant(t *testing.T) {
	env := newArchEnv(t)
	_, err := env.arch.Archive(context.Background(), "ghost", ModeSnapshot)
	if !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("archiving unknown tenant = %v, want ErrNotFound", err)
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 10)
	env.seal("acme")

	// Everything is sealed, so the prune empties the hot store.
	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Pruned != 10 {
		t.Fatalf("pruned %d rows, want 10", res.Pruned)
	}
	if minSeq, _ := env.store.MinSeq(ctx, "acme"); minSeq != 0 {
		t.Fatalf("hot store still holds rows from seq %d", minSeq)
	}

	rres, err := env.arch.Restore(ctx, "acme", res.Segment.File)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rres.Inserted != 10 || rres.Entries != 10 {
		t.Fatalf("restore inserted %d of %d, want 10 of 10", rres.Inserted, rres.Entries)
	}

	// The full chain verifies again, seal stamps included.
	vres, err := env.ver.Verify(ctx, "acme", chain.Params{Deep: true})
	if err != nil {
		t.Fatalf("Verify after restore: %v", err)
	}
	if !vres.Valid || vres.Checked != 10 {
		t.Fatalf("post-restore verify: valid=%v checked=%d breaks=%v", vres.Valid, vres.Checked, vres.Breaks)
	}

	// Restoring the same segment again is a no-op.
	again, err := env.arch.Restore(ctx, "acme", res.Segment.File)
	if err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if again.Inserted != 0 {
		t.Fatalf("second restore inserted %d rows, want 0", again.Inserted)
	}
}

func TestRestore_TamperedContentRejected(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 8)
	env.seal("acme")
	env.seed("acme", 2)
	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	env.rewriteSegment(res.Segment.File, func(seg *segment) {
		seg.Entries[2].ActorID = "intruder"
	})

	_, err = env.arch.Restore(ctx, "acme", res.Segment.File)
	if !errors.Is(err, audit.ErrRestoreVerificationFailed) {
		t.Fatalf("restoring tampered segment = %v, want ErrRestoreVerificationFailed", err)
	}

	// Nothing may have been written back.
	minSeq, err := env.store.MinSeq(ctx, "acme")
	if err != nil {
		t.Fatalf("MinSeq: %v", err)
	}
	if minSeq != 9 {
		t.Fatalf("tampered restore wrote rows: hot chain starts at %d", minSeq)
	}
}

func TestRestore_RehashedTamperRejectedBySeal(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 10)
	env.seal("acme")
	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	// A smarter attacker rewrites the hashes so the chain links again.
	// The Merkle roots inside the sealed batches still give it away.
	env.rewriteSegment(res.Segment.File, func(seg *segment) {
		seg.Entries[2].ActorID = "intruder"
		prev := seg.Entries[1].EntryHash
		for i := 2; i < len(seg.Entries); i++ {
			seg.Entries[i].PrevHash = prev
			h, err := audit.ComputeEntryHash(&seg.Entries[i])
			if err != nil {
				t.Fatalf("rehashing: %v", err)
			}
			seg.Entries[i].EntryHash = h
			prev = h
		}
		seg.Manifest.LastHash = prev
	})

	_, err = env.arch.Restore(ctx, "acme", res.Segment.File)
	if !errors.Is(err, audit.ErrRestoreVerificationFailed) {
		t.Fatalf("restoring rehashed segment = %v, want ErrRestoreVerificationFailed", err)
	}
}

func TestRestore_GenesisSaltMismatchRejected(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 10)
	env.seal("acme")
	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	env.rewriteSegment(res.Segment.File, func(seg *segment) {
		seg.Manifest.GenesisSalt = "0000000000000000000000000000000000000000000000000000000000000000"
	})

	_, err = env.arch.Restore(ctx, "acme", res.Segment.File)
	if !errors.Is(err, audit.ErrRestoreVerificationFailed) {
		t.Fatalf("restoring with foreign genesis salt = %v, want ErrRestoreVerificationFailed", err)
	}
}

func TestRestore_WrongTenantRejected(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 10)
	env.seed("globex", 2)
	env.seal("acme")
	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	_, err = env.arch.Restore(ctx, "globex", res.Segment.File)
	if !errors.Is(err, audit.ErrRestoreVerificationFailed) {
		t.Fatalf("restoring another tenant's segment = %v, want ErrRestoreVerificationFailed", err)
	}
}

func TestRestore_EmptyRangeManifestRejected(t *testing.T) {
	env := newArchEnv(t)
	ctx := context.Background()
	env.seed("acme", 4)
	env.seal("acme")

	res, err := env.arch.Archive(ctx, "acme", ModePrune)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	// A manifest claiming an inverted range carries zero entries, so the
	// per-entry walk never runs; it must be rejected outright.
	env.rewriteSegment(res.Segment.File, func(seg *segment) {
		seg.Manifest.FromSeq = 5
		seg.Manifest.ToSeq = 4
		seg.Manifest.Entries = 0
		seg.Entries = nil
	})

	_, err = env.arch.Restore(ctx, "acme", res.Segment.File)
	if !errors.Is(err, audit.ErrRestoreVerificationFailed) {
		t.Fatalf("restoring empty-range segment = %v, want ErrRestoreVerificationFailed", err)
	}
	if min, err := env.store.MinSeq(ctx, "acme"); err != nil || min != 0 {
		t.Fatalf("rejected restore wrote entries back: min=%d err=%v", min, err)
	}
}

func TestRestore_MissingFile(t *testing.T) {
	env := newArchEnv(t)
	env.seed("acme", 2)

	_, err := env.arch.Restore(context.Background(), "acme", "no-such-segment.zip")
	if err == nil {
		t.Fatal("restoring a missing file succeeded")
	}
	if errors.Is(err, audit.ErrRestoreVerificationFailed) {
		t.Fatalf("missing file misreported as verification failure: %v", err)
	}
}
