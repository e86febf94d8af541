package crypto

import (
	"bytes"
	"testing"
)

func TestAttestation(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := NewAttestorFromSeed(seed)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	msg := DecisionDigest("buy-1", "sell-1", "100.25", "10", "midpoint")
	sig := a.Sign(msg)
	if !VerifyAttestation(a.PublicKey(), sig, msg) {
		t.Fatal("attestation did not verify")
	}
	if VerifyAttestation(a.PublicKey(), sig, DecisionDigest("buy-1", "sell-1", "100.26", "10", "midpoint")) {
		t.Error("attestation verified for another decision")
	}
	if VerifyAttestation(a.PublicKey(), nil, msg) {
		t.Error("empty attestation verified")
	}

	raw, err := MarshalBLSPubKey(a.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	pk, err := UnmarshalBLSPubKey(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyAttestation(pk, sig, msg) {
		t.Error("attestation did not verify under decoded key")
	}
}

func TestAttestorRejectsShortSeed(t *testing.T) {
	if _, err := NewAttestorFromSeed([]byte("short")); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestDecisionDigestFieldBoundaries(t *testing.T) {
	if bytes.Equal(DecisionDigest("ab", "c"), DecisionDigest("a", "bc")) {
		t.Error("digest ignores field boundaries")
	}
}
