package seal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/store"
)

// DefaultBatchSize caps how many entries one seal covers.
const DefaultBatchSize = 256

// Sealer periodically freezes the unsealed tail of each tenant chain
// into signed batches. It reads and writes through the store only and
// never takes an append lock, so sealing runs while appends continue.
type Sealer struct {
	store     *store.Store
	signer    *Signer
	batchSize uint64
	now       func() time.Time
}

// NewSealer wires a sealer. batchSize <= 0 selects DefaultBatchSize.
func NewSealer(s *store.Store, signer *Signer, batchSize int) *Sealer {
	size := uint64(DefaultBatchSize)
	if batchSize > 0 {
		size = uint64(batchSize)
	}
	return &Sealer{store: s, signer: signer, batchSize: size, now: time.Now}
}

// SealTenant seals everything between the last sealed entry and the
// chain head as observed at call time, splitting into batches of at most
// batchSize entries. Entries appended while sealing runs are picked up
// by the next round. Ranges already sealed by a concurrent sealer are
// skipped and counted as success.
func (s *Sealer) SealTenant(ctx context.Context, tenantID string) ([]audit.SealedBatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("seal: %w", audit.ErrMissingTenantScope)
	}
	head, err := s.store.Head(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	lastSealed, err := s.store.LastSealedSeq(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if lastSealed >= head.LastSeq {
		return nil, nil
	}

	var sealed []audit.SealedBatch
	for from := lastSealed + 1; from <= head.LastSeq; {
		to := from + s.batchSize - 1
		if to > head.LastSeq {
			to = head.LastSeq
		}
		batch, err := s.sealRange(ctx, tenantID, from, to)
		if err != nil {
			if errors.Is(err, audit.ErrBatchAlreadySealed) {
				from = to + 1
				continue
			}
			return sealed, err
		}
		sealed = append(sealed, batch)
		from = to + 1
	}
	return sealed, nil
}

// sealRange builds, signs and commits one batch over [from, to].
func (s *Sealer) sealRange(ctx context.Context, tenantID string, from, to uint64) (audit.SealedBatch, error) {
	hashes, err := s.store.HashesRange(ctx, tenantID, from, to)
	if err != nil {
		return audit.SealedBatch{}, err
	}
	if uint64(len(hashes)) != to-from+1 {
		return audit.SealedBatch{}, fmt.Errorf("sealing %s/%d..%d: store has %d of %d entries: %w",
			tenantID, from, to, len(hashes), to-from+1, audit.ErrChainBroken)
	}

	batch := audit.SealedBatch{
		BatchID:    uuid.NewString(),
		TenantID:   tenantID,
		FromSeq:    from,
		ToSeq:      to,
		MerkleRoot: MerkleRoot(hashes),
		SealedAt:   s.now().UTC(),
	}
	batch.Signature = s.signer.SignBatch(batch)

	if err := s.store.SealBatch(ctx, batch); err != nil {
		return audit.SealedBatch{}, err
	}
	slog.Info("sealed batch",
		"tenant", tenantID, "batch", batch.BatchID,
		"from", from, "to", to, "root", audit.ShortHash(batch.MerkleRoot))
	return batch, nil
}

// SealAll runs SealTenant for every known tenant and returns the total
// number of new batches.
func (s *Sealer) SealAll(ctx context.Context) (int, error) {
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tenantID := range tenants {
		batches, err := s.SealTenant(ctx, tenantID)
		if err != nil {
			return total, fmt.Errorf("sealing tenant %q: %w", tenantID, err)
		}
		total += len(batches)
	}
	return total, nil
}

// Proof builds the inclusion proof for one entry. The entry must belong
// to a sealed batch; unsealed entries report audit.ErrNotSealed.
func (s *Sealer) Proof(ctx context.Context, tenantID string, seq uint64) (Proof, error) {
	if tenantID == "" {
		return Proof{}, fmt.Errorf("proof: %w", audit.ErrMissingTenantScope)
	}
	batch, err := s.store.BatchCovering(ctx, tenantID, seq)
	if err != nil {
		return Proof{}, err
	}
	hashes, err := s.store.HashesRange(ctx, tenantID, batch.FromSeq, batch.ToSeq)
	if err != nil {
		return Proof{}, err
	}
	if uint64(len(hashes)) != batch.ToSeq-batch.FromSeq+1 {
		return Proof{}, fmt.Errorf("proof for %s/%d: sealed range has missing entries: %w",
			tenantID, seq, audit.ErrChainBroken)
	}

	index := int(seq - batch.FromSeq)
	steps, err := ProofSteps(hashes, index)
	if err != nil {
		return Proof{}, err
	}
	return Proof{
		TenantID:   tenantID,
		Seq:        seq,
		EntryHash:  hashes[index],
		BatchID:    batch.BatchID,
		MerkleRoot: batch.MerkleRoot,
		Signature:  batch.Signature,
		PublicKey:  s.signer.PublicKeyHex(),
		SealedAt:   batch.SealedAt.UTC().Format(time.RFC3339Nano),
		Steps:      steps,
	}, nil
}
