package seal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/store"
)

func newSealTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// appendN pushes n synthetic entries through the real append transaction.
func appendN(t *testing.T, s *store.Store, tenantID string, n int) {
	t.Helper()
	ctx := context.Background()

	head, err := s.Head(ctx, tenantID)
	if errors.Is(err, audit.ErrNotFound) {
		salt, saltErr := audit.NewGenesisSalt()
		if saltErr != nil {
			t.Fatalf("generating salt: %v", saltErr)
		}
		head, err = s.CreateHead(ctx, audit.GenesisHead(tenantID, salt, time.Now().UTC()))
	}
	if err != nil {
		t.Fatalf("preparing head: %v", err)
	}

	prev := head.LastHash
	for i := 0; i < n; i++ {
		seq := head.LastSeq + uint64(i) + 1
		e := &audit.Entry{
			ID:        fmt.Sprintf("ent_%s_%d", tenantID, seq),
			TenantID:  tenantID,
			Seq:       seq,
			Timestamp: time.Date(2026, 3, 10, 12, 0, int(seq), 0, time.UTC),
			ActorID:   "user-1",
			ActorRole: audit.RoleUser,
			Action:    "consent.granted",
			Resource:  "consent",
			PrevHash:  prev,
			EntryHash: fmt.Sprintf("sha256:%064d", seq),
		}
		if err := s.AppendEntry(ctx, e); err != nil {
			t.Fatalf("appending seq %d: %v", seq, err)
		}
		prev = e.EntryHash
	}
}

func newTestSealer(t *testing.T, s *store.Store, batchSize int) *Sealer {
	t.Helper()
	signer := NewSignerFromSeed(bytes.Repeat([]byte{7}, 32))
	return NewSealer(s, signer, batchSize)
}

func TestSealTenant_SealsUnsealedTail(t *testing.T) {
	s := newSealTestStore(t)
	ctx := context.Background()
	appendN(t, s, "acme", 5)

	sealer := newTestSealer(t, s, 2)
	batches, err := sealer.SealTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("sealing failed: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches for 5 entries at size 2, got %d", len(batches))
	}

	wantRanges := [][2]uint64{{1, 2}, {3, 4}, {5, 5}}
	for i, b := range batches {
		if b.FromSeq != wantRanges[i][0] || b.ToSeq != wantRanges[i][1] {
			t.Errorf("batch %d: expected range %v, got %d..%d", i, wantRanges[i], b.FromSeq, b.ToSeq)
		}
		hashes, err := s.HashesRange(ctx, "acme", b.FromSeq, b.ToSeq)
		if err != nil {
			t.Fatalf("reading hashes: %v", err)
		}
		if MerkleRoot(hashes) != b.MerkleRoot {
			t.Errorf("batch %d: recorded root does not match its entries", i)
		}
		if err := sealer.signer.VerifyBatch(b); err != nil {
			t.Errorf("batch %d: signature does not verify: %v", i, err)
		}
	}

	// Every sealed entry carries its batch stamp.
	for seq := uint64(1); seq <= 5; seq++ {
		e, err := s.Entry(ctx, "acme", seq)
		if err != nil {
			t.Fatalf("reading seq %d: %v", seq, err)
		}
		if e.SealedBatchID == "" {
			t.Errorf("seq %d: expected sealed batch stamp", seq)
		}
	}
}

func TestSealTenant_NothingToSeal(t *testing.T) {
	s := newSealTestStore(t)
	ctx := context.Background()
	appendN(t, s, "acme", 3)

	sealer := newTestSealer(t, s, 10)
	if _, err := sealer.SealTenant(ctx, "acme"); err != nil {
		t.Fatalf("first seal failed: %v", err)
	}
	batches, err := sealer.SealTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("second seal failed: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("expected nothing new to seal, got %d batches", len(batches))
	}
}

func TestSealTenant_PicksUpNewEntries(t *testing.T) {
	s := newSealTestStore(t)
	ctx := context.Background()
	appendN(t, s, "acme", 3)

	sealer := newTestSealer(t, s, 10)
	if _, err := sealer.SealTenant(ctx, "acme"); err != nil {
		t.Fatalf("first seal failed: %v", err)
	}

	appendN(t, s, "acme", 2)
	batches, err := sealer.SealTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("second seal failed: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 new batch, got %d", len(batches))
	}
	if batches[0].FromSeq != 4 || batches[0].ToSeq != 5 {
		t.Errorf("expected range 4..5, got %d..%d", batches[0].FromSeq, batches[0].ToSeq)
	}
}

func TestSealAll(t *testing.T) {
	s := newSealTestStore(t)
	appendN(t, s, "acme", 3)
	appendN(t, s, "beta", 2)

	sealer := newTestSealer(t, s, 10)
	total, err := sealer.SealAll(context.Background())
	if err != nil {
		t.Fatalf("seal all failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 batches across tenants, got %d", total)
	}
}

func TestProof_EndToEnd(t *testing.T) {
	s := newSealTestStore(t)
	ctx := context.Background()
	appendN(t, s, "acme", 5)

	sealer := newTestSealer(t, s, 5)
	if _, err := sealer.SealTenant(ctx, "acme"); err != nil {
		t.Fatalf("sealing failed: %v", err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		proof, err := sealer.Proof(ctx, "acme", seq)
		if err != nil {
			t.Fatalf("proof for seq %d: %v", seq, err)
		}
		if FoldProof(proof.EntryHash, proof.Steps) != proof.MerkleRoot {
			t.Errorf("seq %d: proof does not fold to the signed root", seq)
		}
	}

	appendN(t, s, "acme", 1)
	if _, err := sealer.Proof(ctx, "acme", 6); !errors.Is(err, audit.ErrNotSealed) {
		t.Errorf("expected ErrNotSealed for unsealed entry, got %v", err)
	}
}
