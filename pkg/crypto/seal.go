package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SealSuiteName names the HPKE suite orders are sealed with.
const SealSuiteName = "DHKEM(X25519, HKDF-SHA256)/HKDF-SHA256/ChaCha20Poly1305"

// Orders are sealed to the enclave with HPKE base mode:
// X25519 / HKDF-SHA256 / ChaCha20-Poly1305. The payload is enc || ciphertext
// and the side and submitter are bound as associated data, so a payload
// cannot be replayed under another owner or side.
var suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

var sealInfo = []byte("darkpool/order/v1")

var ErrSealedPayload = errors.New("sealed payload cannot be opened")

// OrderFields is the plaintext hidden inside a sealed order.
type OrderFields struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (f OrderFields) Validate() error {
	if !f.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", f.Price)
	}
	if !f.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", f.Quantity)
	}
	return nil
}

// SealingKey is the enclave's HPKE key pair.
type SealingKey struct {
	pk kem.PublicKey
	sk kem.PrivateKey
}

// NewSealingKeyFromSeed derives the key pair from seed. Any seed length is
// accepted; it is hashed to the KEM seed size.
func NewSealingKeyFromSeed(seed []byte) *SealingKey {
	scheme := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	ikm := PayloadHash(append([]byte("darkpool/seal/"), seed...))
	pk, sk := scheme.DeriveKeyPair(ikm.Bytes()[:scheme.SeedSize()])
	return &SealingKey{pk: pk, sk: sk}
}

func (k *SealingKey) PublicKey() kem.PublicKey { return k.pk }

func (k *SealingKey) PublicKeyBytes() []byte {
	b, _ := k.pk.MarshalBinary()
	return b
}

func UnmarshalSealingPublicKey(b []byte) (kem.PublicKey, error) {
	pk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}
	return pk, nil
}

func sealAAD(side uint8, submitter common.Address) []byte {
	return append([]byte{side}, submitter.Bytes()...)
}

// SealOrder encrypts fields to pk for the given side and submitter.
func SealOrder(pk kem.PublicKey, side uint8, submitter common.Address, fields OrderFields) ([]byte, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	sender, err := suite.NewSender(pk, sealInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sender: %w", err)
	}
	ct, err := sealer.Seal(plaintext, sealAAD(side, submitter))
	if err != nil {
		return nil, fmt.Errorf("failed to seal order: %w", err)
	}
	return append(enc, ct...), nil
}

// OpenOrder decrypts a payload produced by SealOrder. Every failure is
// reported as ErrSealedPayload.
func (k *SealingKey) OpenOrder(payload []byte, side uint8, submitter common.Address) (OrderFields, error) {
	encSize := hpke.KEM_X25519_HKDF_SHA256.Scheme().CiphertextSize()
	if len(payload) <= encSize {
		return OrderFields{}, fmt.Errorf("%w: %d bytes is too short", ErrSealedPayload, len(payload))
	}
	receiver, err := suite.NewReceiver(k.sk, sealInfo)
	if err != nil {
		return OrderFields{}, fmt.Errorf("%w: %v", ErrSealedPayload, err)
	}
	opener, err := receiver.Setup(payload[:encSize])
	if err != nil {
		return OrderFields{}, fmt.Errorf("%w: %v", ErrSealedPayload, err)
	}
	plaintext, err := opener.Open(payload[encSize:], sealAAD(side, submitter))
	if err != nil {
		return OrderFields{}, fmt.Errorf("%w: %v", ErrSealedPayload, err)
	}
	var fields OrderFields
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return OrderFields{}, fmt.Errorf("%w: %v", ErrSealedPayload, err)
	}
	if err := fields.Validate(); err != nil {
		return OrderFields{}, fmt.Errorf("%w: %v", ErrSealedPayload, err)
	}
	return fields, nil
}
