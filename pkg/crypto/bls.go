package crypto

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// Attestor signs match decisions so the coordinator can check that a
// decision came from the enclave holding the key.
type Attestor struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewAttestorFromSeed derives the key deterministically. seed must be at
// least 32 bytes.
func NewAttestorFromSeed(seed []byte) (*Attestor, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, []byte("darkpool-attest"))
	if err != nil {
		return nil, fmt.Errorf("failed to derive attestation key: %w", err)
	}
	return &Attestor{sk: sk, pk: sk.PublicKey()}, nil
}

func (a *Attestor) PublicKey() *BLSPubKey { return a.pk }

func (a *Attestor) Sign(msg []byte) []byte {
	return bls.Sign(a.sk, msg)
}

func VerifyAttestation(pk *BLSPubKey, sig, msg []byte) bool {
	if pk == nil || len(sig) == 0 {
		return false
	}
	return bls.Verify(pk, msg, bls.Signature(sig))
}

func MarshalBLSPubKey(pk *BLSPubKey) ([]byte, error) {
	return pk.MarshalBinary()
}

func UnmarshalBLSPubKey(b []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid attestation key: %w", err)
	}
	return pk, nil
}
