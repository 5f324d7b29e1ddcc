package audit

import "time"

// SealedBatch is the signed commitment over a contiguous range of
// entries. Once written it is immutable; re-sealing the same range is
// reported as ErrBatchAlreadySealed and changes nothing.
type SealedBatch struct {
	BatchID    string    `json:"batch_id"`
	TenantID   string    `json:"tenant_id"`
	FromSeq    uint64    `json:"from_seq"`
	ToSeq      uint64    `json:"to_seq"`
	MerkleRoot string    `json:"merkle_root"`
	Signature  string    `json:"signature"`
	SealedAt   time.Time `json:"sealed_at"`
}

// Contains reports whether seq falls inside the batch range.
func (b SealedBatch) Contains(seq uint64) bool {
	return seq >= b.FromSeq && seq <= b.ToSeq
}

// ArchiveSegment records where a cold range of the chain lives after it
// was exported and pruned. LastHash is the entry hash of the segment's
// final entry; the verifier anchors the hot chain walk on it.
type ArchiveSegment struct {
	Ref        string    `json:"ref"`
	TenantID   string    `json:"tenant_id"`
	FromSeq    uint64    `json:"from_seq"`
	ToSeq      uint64    `json:"to_seq"`
	LastHash   string    `json:"last_hash"`
	File       string    `json:"file"`
	FileSHA256 string    `json:"file_sha256"`
	Entries    uint64    `json:"entries"`
	CreatedAt  time.Time `json:"created_at"`
}
