// Package envelope implements the Message Codec from spec.md §4.D: each
// message type gets a canonical JSON serialisation with a fixed field set,
// wrapped as {"__delegation_type", "payload"} and then, optionally, signed
// to produce a Signed Envelope.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Wrapper is the inner {"__delegation_type", "payload"} object every
// gossiped message is serialised as (spec.md §6 wire format).
type Wrapper struct {
	DelegationType string          `json:"__delegation_type"`
	Payload        json.RawMessage `json:"payload"`
}

// Signed is the outer Signed Envelope: a Wrapper plus a detached signature
// computed over the Wrapper's canonical JSON bytes.
type Signed struct {
	Wrapper         Wrapper `json:"wrapper"`
	SignerPublicKey string  `json:"signer_public_key"`
	Signature       string  `json:"signature"`
}

// Signer is the minimal capability Sign needs to produce a Signed Envelope.
type Signer interface {
	PublicKeyB64() (string, bool)
	Sign(payload []byte) (string, bool)
}

// Verifier is the minimal capability Verify needs to check a signature.
type Verifier func(publicKeyB64, sigB64 string, payload []byte) bool

// Wrap builds the {"__delegation_type","payload"} wrapper for msg.
func Wrap(delegationType string, msg any) (Wrapper, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Wrapper{}, fmt.Errorf("marshalling payload: %w", err)
	}
	return Wrapper{DelegationType: delegationType, Payload: payload}, nil
}

// WrapperBytes returns the canonical JSON bytes signatures are computed
// over: encoding/json's map/struct marshalling is already deterministic for
// the fixed field set used here, so no extra canonicalisation step is
// needed.
func WrapperBytes(w Wrapper) ([]byte, error) {
	return json.Marshal(w)
}

// Sign produces a Signed Envelope wrapping msg, using s to obtain the
// node's public key and signature. If s has no usable backend, Sign returns
// an unsigned Wrapper marshalled with empty signature fields; callers that
// require a signed envelope must check SignerPublicKey/Signature for
// emptiness themselves (spec.md §4.D permits unsigned envelopes only on the
// unsigned inbound-flow adapter).
func Sign(delegationType string, msg any, s Signer) (Signed, error) {
	w, err := Wrap(delegationType, msg)
	if err != nil {
		return Signed{}, err
	}
	wb, err := WrapperBytes(w)
	if err != nil {
		return Signed{}, err
	}

	pub, okPub := s.PublicKeyB64()
	sig, okSig := s.Sign(wb)
	if !okPub || !okSig {
		return Signed{Wrapper: w}, nil
	}
	return Signed{Wrapper: w, SignerPublicKey: pub, Signature: sig}, nil
}

// Verify recomputes the signature over the embedded Wrapper's canonical
// JSON bytes using the embedded public key. An envelope with no signature
// or public key never verifies.
func Verify(env Signed, verify Verifier) bool {
	if env.SignerPublicKey == "" || env.Signature == "" {
		return false
	}
	wb, err := WrapperBytes(env.Wrapper)
	if err != nil {
		return false
	}
	return verify(env.SignerPublicKey, env.Signature, wb)
}

// DecodePayload unmarshals the wrapper's payload into v.
func DecodePayload(w Wrapper, v any) error {
	return json.Unmarshal(w.Payload, v)
}

// EncodeSigned marshals a Signed envelope to JSON bytes.
func EncodeSigned(env Signed) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeSigned parses JSON bytes into a Signed envelope.
func DecodeSigned(data []byte) (Signed, error) {
	var env Signed
	if err := json.Unmarshal(data, &env); err != nil {
		return Signed{}, fmt.Errorf("decoding signed envelope: %w", err)
	}
	return env, nil
}
