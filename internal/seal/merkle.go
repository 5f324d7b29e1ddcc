// Package seal turns ranges of the audit chain into signed, immutable
// batches: a Merkle tree over the entries' stored hashes, an Ed25519
// signature over the root, and inclusion proofs for single entries.
package seal

import (
	"fmt"

	"github.com/veritrail/veritrail/internal/audit"
)

// MerkleRoot computes the root over entry hashes in chain order. A level
// with an odd node count duplicates its last node. One leaf is its own
// root; no leaves yield an empty root.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := make([]string, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, audit.CombineHashes(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// ProofStep is one sibling on the path from a leaf to the root.
// Direction names where the sibling sits relative to the running hash.
type ProofStep struct {
	Hash      string `json:"hash"`
	Direction string `json:"direction"` // "left" or "right"
}

// Proof lets a holder check, offline, that one entry is included in a
// sealed batch: fold Steps onto the entry hash and compare with the
// signed Merkle root.
type Proof struct {
	TenantID   string      `json:"tenant_id"`
	Seq        uint64      `json:"seq"`
	EntryHash  string      `json:"entry_hash"`
	BatchID    string      `json:"batch_id"`
	MerkleRoot string      `json:"merkle_root"`
	Signature  string      `json:"signature"`
	PublicKey  string      `json:"public_key"`
	SealedAt   string      `json:"sealed_at"`
	Steps      []ProofStep `json:"steps"`
}

// ProofSteps builds the inclusion path for the leaf at index.
func ProofSteps(hashes []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(hashes) {
		return nil, fmt.Errorf("proof index %d out of range [0,%d)", index, len(hashes))
	}
	level := make([]string, len(hashes))
	copy(level, hashes)

	var steps []ProofStep
	idx := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if idx%2 == 0 {
			steps = append(steps, ProofStep{Hash: level[idx+1], Direction: "right"})
		} else {
			steps = append(steps, ProofStep{Hash: level[idx-1], Direction: "left"})
		}

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, audit.CombineHashes(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}
	return steps, nil
}

// FoldProof replays an inclusion path and returns the root it lands on.
func FoldProof(entryHash string, steps []ProofStep) string {
	h := entryHash
	for _, st := range steps {
		if st.Direction == "left" {
			h = audit.CombineHashes(st.Hash, h)
		} else {
			h = audit.CombineHashes(h, st.Hash)
		}
	}
	return h
}
