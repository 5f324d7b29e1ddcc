package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/seal"
	"github.com/veritrail/veritrail/internal/store"
)

// Break classifications.
const (
	ClassHashMismatch        = "hash_mismatch"
	ClassSequenceGap         = "sequence_gap"
	ClassTimestampRegression = "timestamp_regression"
	ClassHeadMismatch        = "head_mismatch"
	ClassRootMismatch        = "root_mismatch"
	ClassBadSignature        = "bad_signature"
)

// maxBreaks bounds a verification report for heavily damaged chains.
const maxBreaks = 100

// Break pinpoints one spot where a chain failed verification.
type Break struct {
	Seq            uint64 `json:"seq"`
	Classification string `json:"classification"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
	Detail         string `json:"detail"`
}

// Result is a verification report for one tenant chain range. Valid is
// true only when every check passed; Breaks[0] is the earliest
// corruption point otherwise. A canceled context stops the walk early
// and sets Partial, with ResumeSeq holding the first unverified seq so
// a follow-up call can pick up where this one left off.
type Result struct {
	TenantID      string    `json:"tenant_id"`
	FromSeq       uint64    `json:"from_seq"`
	ToSeq         uint64    `json:"to_seq"`
	Checked       uint64    `json:"checked"`
	SealedBatches int       `json:"sealed_batches"`
	Deep          bool      `json:"deep"`
	Valid         bool      `json:"valid"`
	Breaks        []Break   `json:"breaks,omitempty"`
	Truncated     bool      `json:"truncated,omitempty"`
	Partial       bool      `json:"partial,omitempty"`
	ResumeSeq     uint64    `json:"resume_seq,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
}

// Params selects what to verify. Zero FromSeq starts at the oldest hot
// entry; zero ToSeq ends at the chain head. Deep recomputes every entry
// hash even inside sealed batches, which otherwise verify by Merkle root
// and signature alone.
type Params struct {
	FromSeq uint64
	ToSeq   uint64
	Deep    bool
}

// BatchVerifier checks a sealed batch's signature.
type BatchVerifier interface {
	VerifyBatch(b audit.SealedBatch) error
}

// Verifier walks stored chains and checks every promise the appender and
// sealer made: contiguous sequence numbers, intact hash links,
// non-decreasing timestamps, matching Merkle roots and valid signatures.
type Verifier struct {
	store *store.Store
	sig   BatchVerifier
}

// NewVerifier wires a verifier to its store and signature checker.
func NewVerifier(s *store.Store, sig BatchVerifier) *Verifier {
	return &Verifier{store: s, sig: sig}
}

// chunkSize pages entry reads during a deep walk.
const chunkSize = 500

type walker struct {
	result   *Result
	prevHash string
	prevTS   time.Time
	haveTS   bool
}

func (w *walker) addBreak(b Break) bool {
	if len(w.result.Breaks) >= maxBreaks {
		w.result.Truncated = true
		return false
	}
	w.result.Breaks = append(w.result.Breaks, b)
	return true
}

// pause records where a canceled walk stopped so the caller can resume.
func (w *walker) pause(next uint64) {
	w.result.Partial = true
	w.result.ResumeSeq = next
}

// Verify checks one tenant chain range and reports the outcome. An error
// return means verification itself could not run; tampering is reported
// through the Result, not the error.
func (v *Verifier) Verify(ctx context.Context, tenantID string, p Params) (Result, error) {
	started := time.Now()
	if tenantID == "" {
		return Result{}, fmt.Errorf("verify: %w", audit.ErrMissingTenantScope)
	}

	head, err := v.store.Head(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		TenantID:  tenantID,
		Deep:      p.Deep,
		Valid:     true,
		StartedAt: started.UTC(),
	}

	if head.LastSeq == 0 {
		res.DurationMS = time.Since(started).Milliseconds()
		return res, nil
	}

	to := p.ToSeq
	if to == 0 || to > head.LastSeq {
		to = head.LastSeq
	}
	from := p.FromSeq
	if from == 0 {
		minHot, err := v.store.MinSeq(ctx, tenantID)
		if err != nil {
			return Result{}, err
		}
		if minHot == 0 {
			// Everything archived; cold segments verify at restore time.
			res.DurationMS = time.Since(started).Milliseconds()
			return res, nil
		}
		from = minHot
	}
	if from > to {
		return Result{}, fmt.Errorf("verify: range %d..%d is empty", from, to)
	}
	res.FromSeq = from
	res.ToSeq = to

	w := &walker{result: &res}
	if err := v.anchor(ctx, head, from, w); err != nil {
		return Result{}, err
	}

	if err := v.walkRange(ctx, tenantID, from, to, p.Deep, w); err != nil {
		return Result{}, err
	}

	// A walk that reached the head must land exactly on the head hash.
	if to == head.LastSeq && !res.Truncated && !res.Partial && w.prevHash != head.LastHash {
		w.addBreak(Break{
			Seq:            head.LastSeq,
			Classification: ClassHeadMismatch,
			ExpectedHash:   head.LastHash,
			ActualHash:     w.prevHash,
			Detail:         "chain head does not match last verified entry",
		})
	}

	res.Valid = len(res.Breaks) == 0
	res.DurationMS = time.Since(started).Milliseconds()
	slog.Info("chain verified",
		"tenant", tenantID, "from", from, "to", to,
		"checked", res.Checked, "sealed_batches", res.SealedBatches,
		"valid", res.Valid, "breaks", len(res.Breaks), "partial", res.Partial)
	return res, nil
}

// VerifyAll verifies every tenant chain end to end.
func (v *Verifier) VerifyAll(ctx context.Context, deep bool) ([]Result, error) {
	tenants, err := v.store.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(tenants))
	for _, tenantID := range tenants {
		r, err := v.Verify(ctx, tenantID, Params{Deep: deep})
		if err != nil {
			return results, fmt.Errorf("verifying tenant %q: %w", tenantID, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// anchor seeds the walker with the hash the range's first entry must
// link to: the genesis hash, the preceding hot entry, or the last hash
// of the archive segment that ends right before the range.
func (v *Verifier) anchor(ctx context.Context, head audit.ChainHead, from uint64, w *walker) error {
	if from == 1 {
		w.prevHash = audit.GenesisHash(head.GenesisSalt)
		return nil
	}

	prev, err := v.store.Entry(ctx, head.TenantID, from-1)
	if err == nil {
		w.prevHash = prev.EntryHash
		w.prevTS = prev.Timestamp
		w.haveTS = true
		return nil
	}
	if !errors.Is(err, audit.ErrNotFound) {
		return err
	}

	segs, err := v.store.Segments(ctx, head.TenantID)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg.ToSeq == from-1 {
			w.prevHash = seg.LastHash
			return nil
		}
	}

	// No anchor available; the first link is taken on trust and the walk
	// still catches every inconsistency after it.
	first, err := v.store.Entry(ctx, head.TenantID, from)
	if err != nil {
		return err
	}
	w.prevHash = first.PrevHash
	return nil
}

// walkRange verifies [from, to], fast-checking sealed batches by Merkle
// root and signature unless deep is set.
func (v *Verifier) walkRange(ctx context.Context, tenantID string, from, to uint64, deep bool, w *walker) error {
	cursor := from

	if !deep {
		batches, err := v.store.BatchesOverlapping(ctx, tenantID, from, to)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.FromSeq < cursor || b.ToSeq > to {
				continue // partially covered batch, deep-walked instead
			}
			if ctx.Err() != nil {
				w.pause(cursor)
				return nil
			}
			if b.FromSeq > cursor {
				if err := v.deepWalk(ctx, tenantID, cursor, b.FromSeq-1, w); err != nil {
					return err
				}
				if w.result.Partial {
					return nil
				}
			}
			if err := v.fastCheckBatch(ctx, b, w); err != nil {
				return err
			}
			cursor = b.ToSeq + 1
		}
	}

	if cursor <= to {
		if err := v.deepWalk(ctx, tenantID, cursor, to, w); err != nil {
			return err
		}
	}
	return nil
}

// fastCheckBatch verifies a sealed range without recomputing entry
// hashes: row count, link into the batch, Merkle root over the stored
// hashes, and the seal signature.
func (v *Verifier) fastCheckBatch(ctx context.Context, b audit.SealedBatch, w *walker) error {
	want := b.ToSeq - b.FromSeq + 1

	first, err := v.store.Entry(ctx, b.TenantID, b.FromSeq)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			w.addBreak(Break{
				Seq:            b.FromSeq,
				Classification: ClassSequenceGap,
				Detail:         fmt.Sprintf("sealed batch %s starts at missing seq %d", b.BatchID, b.FromSeq),
			})
			return nil
		}
		return err
	}
	if first.PrevHash != w.prevHash {
		w.addBreak(Break{
			Seq:            b.FromSeq,
			Classification: ClassHashMismatch,
			ExpectedHash:   w.prevHash,
			ActualHash:     first.PrevHash,
			Detail:         "entry does not link to preceding hash",
		})
	}

	hashes, err := v.store.HashesRange(ctx, b.TenantID, b.FromSeq, b.ToSeq)
	if err != nil {
		return err
	}
	if uint64(len(hashes)) != want {
		w.addBreak(Break{
			Seq:            b.FromSeq,
			Classification: ClassSequenceGap,
			Detail: fmt.Sprintf("sealed batch %s covers %d entries, store has %d",
				b.BatchID, want, len(hashes)),
		})
		w.prevHash = b.MerkleRoot // cannot continue linkage reliably
		w.result.Checked += uint64(len(hashes))
		return nil
	}

	root := seal.MerkleRoot(hashes)
	if root != b.MerkleRoot {
		w.addBreak(Break{
			Seq:            b.FromSeq,
			Classification: ClassRootMismatch,
			ExpectedHash:   b.MerkleRoot,
			ActualHash:     root,
			Detail:         fmt.Sprintf("merkle root of batch %s does not match", b.BatchID),
		})
	}
	if err := v.sig.VerifyBatch(b); err != nil {
		w.addBreak(Break{
			Seq:            b.FromSeq,
			Classification: ClassBadSignature,
			Detail:         fmt.Sprintf("batch %s: %v", b.BatchID, err),
		})
	}

	w.prevHash = hashes[len(hashes)-1]
	w.haveTS = false
	w.result.Checked += want
	w.result.SealedBatches++
	return nil
}

// deepWalk recomputes every entry hash in [from, to] and checks links,
// sequence continuity and timestamp order.
func (v *Verifier) deepWalk(ctx context.Context, tenantID string, from, to uint64, w *walker) error {
	expect := from
	for start := from; start <= to; start += chunkSize {
		if ctx.Err() != nil {
			w.pause(expect)
			return nil
		}
		end := start + chunkSize - 1
		if end > to {
			end = to
		}
		entries, err := v.store.EntriesRange(ctx, tenantID, start, end)
		if err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			if e.Seq != expect {
				if !w.addBreak(Break{
					Seq:            expect,
					Classification: ClassSequenceGap,
					Detail:         fmt.Sprintf("expected seq %d, found %d", expect, e.Seq),
				}) {
					return nil
				}
				expect = e.Seq
			}
			if !v.checkEntry(e, w) {
				return nil
			}
			expect++
		}
	}
	if expect <= to {
		w.addBreak(Break{
			Seq:            expect,
			Classification: ClassSequenceGap,
			Detail:         fmt.Sprintf("entries %d..%d missing", expect, to),
		})
	}
	return nil
}

// checkEntry runs the per-entry checks; false stops the walk because the
// break budget ran out.
func (v *Verifier) checkEntry(e *audit.Entry, w *walker) bool {
	if e.PrevHash != w.prevHash {
		if !w.addBreak(Break{
			Seq:            e.Seq,
			Classification: ClassHashMismatch,
			ExpectedHash:   w.prevHash,
			ActualHash:     e.PrevHash,
			Detail:         "entry does not link to preceding hash",
		}) {
			return false
		}
	}

	recomputed, err := audit.ComputeEntryHash(e)
	if err != nil {
		return w.addBreak(Break{
			Seq:            e.Seq,
			Classification: ClassHashMismatch,
			Detail:         fmt.Sprintf("entry cannot be re-encoded: %v", err),
		})
	}
	if recomputed != e.EntryHash {
		if !w.addBreak(Break{
			Seq:            e.Seq,
			Classification: ClassHashMismatch,
			ExpectedHash:   recomputed,
			ActualHash:     e.EntryHash,
			Detail:         "stored hash does not match entry content",
		}) {
			return false
		}
	}

	if w.haveTS && e.Timestamp.Before(w.prevTS) {
		if !w.addBreak(Break{
			Seq:            e.Seq,
			Classification: ClassTimestampRegression,
			Detail: fmt.Sprintf("timestamp %s before predecessor %s",
				e.Timestamp.Format(time.RFC3339Nano), w.prevTS.Format(time.RFC3339Nano)),
		}) {
			return false
		}
	}

	w.prevHash = e.EntryHash
	w.prevTS = e.Timestamp
	w.haveTS = true
	w.result.Checked++
	return true
}
