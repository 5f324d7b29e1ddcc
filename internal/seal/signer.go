package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
)

// ErrBadSignature reports a seal whose signature does not verify.
var ErrBadSignature = errors.New("seal: signature does not verify")

const (
	keyFile = "seal.key"
	pubFile = "seal.pub"
)

// Signer signs batch seals with an Ed25519 key kept on disk. The private
// seed lives in <dir>/seal.key with 0600 permissions; the public key is
// written alongside for external verifiers.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadOrCreateSigner loads the sealing key from dir, generating and
// persisting a fresh one on first use.
func LoadOrCreateSigner(dir string) (*Signer, error) {
	path := filepath.Join(dir, keyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("sealing key %s is malformed", path)
		}
		return NewSignerFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading sealing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	seedHex := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(seedHex+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing sealing key: %w", err)
	}
	pubHex := hex.EncodeToString(pub)
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(pubHex+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	slog.Info("generated sealing key", "path", path, "public_key", pubHex)
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed builds a signer from a raw Ed25519 seed.
func NewSignerFromSeed(seed []byte) *Signer {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// PublicKeyHex returns the verification key in hex.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// sealPayload is the exact byte string a batch signature covers. Any
// change to it invalidates previously issued seals.
func sealPayload(b audit.SealedBatch) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%s|%s",
		b.TenantID, b.FromSeq, b.ToSeq, b.MerkleRoot,
		b.SealedAt.UTC().Format(time.RFC3339Nano)))
}

// SignBatch returns the base64 signature for a batch.
func (s *Signer) SignBatch(b audit.SealedBatch) string {
	sig := ed25519.Sign(s.priv, sealPayload(b))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyBatch checks a batch's signature against the signer's key.
func (s *Signer) VerifyBatch(b audit.SealedBatch) error {
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(s.pub, sealPayload(b), sig) {
		return ErrBadSignature
	}
	return nil
}
