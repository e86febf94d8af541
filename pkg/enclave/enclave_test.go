package enclave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/matching"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func sealed(t *testing.T, e *Enclave, id string, side order.Side, who common.Address, price, qty string) matching.Sealed {
	t.Helper()
	payload, err := e.Seal(side, who, crypto.OrderFields{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	})
	require.NoError(t, err)
	return matching.Sealed{OrderID: id, Side: side, Submitter: who, Payload: payload}
}

func TestCompare(t *testing.T) {
	e, err := New([]byte("enclave-test"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		buy, sell [2]string // price, qty
		resting   string
		policy    matching.FillPolicy
		matched   bool
		price     string
		qty       string
	}{
		{"midpoint", [2]string{"100.50", "10"}, [2]string{"100.00", "10"}, "b", matching.PolicyMidpoint, true, "100.25", "10"},
		{"equal limits", [2]string{"100", "3"}, [2]string{"100", "5"}, "b", matching.PolicyMidpoint, true, "100", "3"},
		{"resting sell", [2]string{"101", "5"}, [2]string{"100", "2"}, "s", matching.PolicyResting, true, "100", "2"},
		{"resting buy", [2]string{"101", "5"}, [2]string{"100", "2"}, "b", matching.PolicyResting, true, "101", "2"},
		{"no cross", [2]string{"99.99", "10"}, [2]string{"100", "10"}, "b", matching.PolicyMidpoint, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := matching.CompareRequest{
				Buy:            sealed(t, e, "b", order.SideBuy, alice, tt.buy[0], tt.buy[1]),
				Sell:           sealed(t, e, "s", order.SideSell, bob, tt.sell[0], tt.sell[1]),
				RestingOrderID: tt.resting,
				Policy:         tt.policy,
			}
			dec, err := e.Compare(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, tt.matched, dec.Matched)
			if !tt.matched {
				assert.True(t, dec.FillPrice.IsZero())
				assert.Empty(t, dec.Attestation)
				return
			}
			assert.True(t, decimal.RequireFromString(tt.price).Equal(dec.FillPrice), "price %s", dec.FillPrice)
			assert.True(t, decimal.RequireFromString(tt.qty).Equal(dec.FillQuantity), "qty %s", dec.FillQuantity)
			assert.True(t, crypto.VerifyAttestation(e.AttestationKey(), dec.Attestation, req.Digest(dec)))
		})
	}
}

func TestCompareRejectsForeignPayload(t *testing.T) {
	e, _ := New([]byte("enclave-test"))
	other, _ := New([]byte("other-enclave"))

	req := matching.CompareRequest{
		Buy:  sealed(t, other, "b", order.SideBuy, alice, "100", "1"),
		Sell: sealed(t, e, "s", order.SideSell, bob, "100", "1"),
	}
	_, err := e.Compare(context.Background(), req)
	assert.True(t, errors.Is(err, crypto.ErrSealedPayload))
	assert.ErrorIs(t, err, order.ErrValidation)
	var pe *matching.PayloadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "b", pe.OrderID)

	// a payload copied onto another submitter's order does not open either
	req.Buy = sealed(t, e, "b", order.SideBuy, alice, "100", "1")
	req.Buy.Submitter = bob
	_, err = e.Compare(context.Background(), req)
	assert.ErrorIs(t, err, crypto.ErrSealedPayload)
}

func TestCompareHonoursContextDuringDelay(t *testing.T) {
	e, _ := New([]byte("enclave-test"), WithDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Compare(ctx, matching.CompareRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeysAreDeterministic(t *testing.T) {
	a, _ := New([]byte("seed"))
	b, _ := New([]byte("seed"))
	assert.Equal(t, a.SealingKeyBytes(), b.SealingKeyBytes())
	ka, err := crypto.MarshalBLSPubKey(a.AttestationKey())
	require.NoError(t, err)
	kb, err := crypto.MarshalBLSPubKey(b.AttestationKey())
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}
