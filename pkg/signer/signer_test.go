package signer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519FileSigner_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	s1, err := NewEd25519FileSigner(path)
	require.NoError(t, err)
	pub1, ok := s1.PublicKeyB64()
	require.True(t, ok)
	require.NotEmpty(t, pub1)

	s2, err := NewEd25519FileSigner(path)
	require.NoError(t, err)
	pub2, ok := s2.PublicKeyB64()
	require.True(t, ok)
	require.Equal(t, pub1, pub2, "reloading the same key file must yield the same public key")
}

func TestEd25519FileSigner_SignVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")
	s, err := NewEd25519FileSigner(path)
	require.NoError(t, err)

	pub, ok := s.PublicKeyB64()
	require.True(t, ok)

	payload := []byte("sign me")
	sig, ok := s.Sign(payload)
	require.True(t, ok)
	require.True(t, Verify(pub, sig, payload))
	require.False(t, Verify(pub, sig, []byte("tampered")))
}

func TestNoopSigner_AlwaysDegrades(t *testing.T) {
	var s NoopSigner
	_, ok := s.PublicKeyB64()
	require.False(t, ok)
	_, ok = s.Sign([]byte("x"))
	require.False(t, ok)
}
