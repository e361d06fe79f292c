// Package signer exposes the pluggable signing capability described in
// spec.md §4.C: something that can produce a public key and a signature for
// a byte string, without ever exposing private key material. How a given
// implementation obtains its key (a native hidden-service key, a file on
// disk, nothing at all) is deliberately opaque to callers.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// Signer is the capability handle callers depend on. Absence of a usable
// backend yields (_, false) from both methods; callers must degrade rather
// than fail, per spec.md §4.C / §7.
type Signer interface {
	PublicKeyB64() (string, bool)
	Sign(payload []byte) (string, bool)
}

// NoopSigner implements Signer with no backend at all. It models the
// out-of-scope "no signing backend attached" case explicitly rather than
// leaving callers to nil-check a pointer.
type NoopSigner struct{}

func (NoopSigner) PublicKeyB64() (string, bool)      { return "", false }
func (NoopSigner) Sign([]byte) (string, bool)        { return "", false }

var _ Signer = NoopSigner{}

const pemBlockType = "MESHRABIYA ED25519 PRIVATE KEY"

// Ed25519FileSigner loads (or generates, on first use) an Ed25519 key from a
// PEM file, grounded on the teacher's --key-file / PIRI_KEY_FILE idiom
// (cmd/cli/root.go).
type Ed25519FileSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewEd25519FileSigner loads the key at path, generating and persisting a
// fresh one if the file doesn't exist yet.
func NewEd25519FileSigner(path string) (*Ed25519FileSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading signer key file: %w", err)
		}
		return generateAndSave(path)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("invalid signer key file %q: not a %s PEM block", path, pemBlockType)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signer key file %q: unexpected key size", path)
	}
	priv := ed25519.PrivateKey(block.Bytes)
	return &Ed25519FileSigner{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func generateAndSave(path string) (*Ed25519FileSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	block := &pem.Block{Type: pemBlockType, Bytes: priv}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("persisting signer key file: %w", err)
	}
	return &Ed25519FileSigner{pub: pub, priv: priv}, nil
}

// PublicKeyB64 returns the node's Ed25519 public key, base64-encoded.
func (s *Ed25519FileSigner) PublicKeyB64() (string, bool) {
	if s == nil || len(s.pub) == 0 {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(s.pub), true
}

// Sign produces a base64-encoded Ed25519 signature over payload, verifiable
// against PublicKeyB64's value.
func (s *Ed25519FileSigner) Sign(payload []byte) (string, bool) {
	if s == nil || len(s.priv) == 0 {
		return "", false
	}
	sig := ed25519.Sign(s.priv, payload)
	return base64.StdEncoding.EncodeToString(sig), true
}

var _ Signer = (*Ed25519FileSigner)(nil)

// Verify checks sigB64 against payload using the given base64-encoded
// Ed25519 public key.
func Verify(publicKeyB64, sigB64 string, payload []byte) bool {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), payload, sigBytes)
}
