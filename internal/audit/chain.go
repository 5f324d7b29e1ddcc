package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashPrefix marks every chain hash with its algorithm so a future
// algorithm migration can coexist with old entries.
const HashPrefix = "sha256:"

// GenesisHash derives the chain anchor for a tenant from its salt:
// sha256(salt || "GENESIS"). The salt makes genesis hashes unpredictable
// across tenants even though the suffix is a known constant.
func GenesisHash(salt string) string {
	sum := sha256.Sum256([]byte(salt + "GENESIS"))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// NewGenesisSalt returns a fresh random salt for a new tenant chain.
func NewGenesisSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating genesis salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ComputeEntryHash computes sha256(PrevHash || CanonicalEncode(entry)).
// The entry's own EntryHash field is ignored; PrevHash must already be
// set to the chain head's hash.
func ComputeEntryHash(e *Entry) (string, error) {
	canonical, err := CanonicalEncode(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(canonical)
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// CombineHashes derives a Merkle parent node from two child hashes by
// hashing the concatenated hash strings. Used by the batch sealer and by
// proof verification; both sides must use the exact same rule.
func CombineHashes(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// ShortHash truncates a hash for log and error messages. Full hashes are
// 71 characters; the first 16 hex digits are plenty for a human diff.
func ShortHash(h string) string {
	const keep = len(HashPrefix) + 16
	if len(h) <= keep {
		return h
	}
	return h[:keep]
}
