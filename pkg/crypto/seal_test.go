package crypto

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := NewSealingKeyFromSeed([]byte("test-enclave"))
	owner := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	fields := OrderFields{Price: decimal.RequireFromString("100.50"), Quantity: decimal.NewFromInt(10)}

	payload, err := SealOrder(key.PublicKey(), 1, owner, fields)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(payload) > 512 {
		t.Errorf("payload is %d bytes", len(payload))
	}

	got, err := key.OpenOrder(payload, 1, owner)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !got.Price.Equal(fields.Price) || !got.Quantity.Equal(fields.Quantity) {
		t.Errorf("opened %+v, want %+v", got, fields)
	}

	again, _ := SealOrder(key.PublicKey(), 1, owner, fields)
	if string(again) == string(payload) {
		t.Error("sealing is deterministic; expected fresh encapsulation each time")
	}
}

func TestOpenRejectsWrongContext(t *testing.T) {
	key := NewSealingKeyFromSeed([]byte("test-enclave"))
	owner := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	other := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	payload, err := SealOrder(key.PublicKey(), 1, owner, OrderFields{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		key     *SealingKey
		payload []byte
		side    uint8
		owner   common.Address
	}{
		{"other side", key, payload, 2, owner},
		{"other owner", key, payload, 1, other},
		{"other key", NewSealingKeyFromSeed([]byte("another")), payload, 1, owner},
		{"truncated", key, payload[:20], 1, owner},
		{"flipped byte", key, flip(payload, len(payload)-1), 1, owner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.key.OpenOrder(tt.payload, tt.side, tt.owner)
			if !errors.Is(err, ErrSealedPayload) {
				t.Errorf("err = %v, want ErrSealedPayload", err)
			}
		})
	}
}

func TestSealRejectsNonPositiveFields(t *testing.T) {
	key := NewSealingKeyFromSeed([]byte("test-enclave"))
	_, err := SealOrder(key.PublicKey(), 1, common.Address{1}, OrderFields{Price: decimal.Zero, Quantity: decimal.NewFromInt(1)})
	if err == nil {
		t.Error("expected error for zero price")
	}
}

func TestSealingKeyIsDeterministic(t *testing.T) {
	a := NewSealingKeyFromSeed([]byte("seed"))
	b := NewSealingKeyFromSeed([]byte("seed"))
	if string(a.PublicKeyBytes()) != string(b.PublicKeyBytes()) {
		t.Error("same seed produced different keys")
	}
	pk, err := UnmarshalSealingPublicKey(a.PublicKeyBytes())
	if err != nil {
		t.Fatal(err)
	}
	if !pk.Equal(a.PublicKey()) {
		t.Error("public key did not round-trip")
	}
}

func flip(b []byte, i int) []byte {
	out := append([]byte{}, b...)
	out[i] ^= 0xff
	return out
}
