// Package enclave is an in-process stand-in for the confidential compute
// boundary. It holds the HPKE key orders are sealed to and the BLS key that
// attests each decision. Plaintext never leaves Compare.
package enclave

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/matching"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

var two = decimal.NewFromInt(2)

var _ matching.Sealer = (*Enclave)(nil)

type Enclave struct {
	key      *crypto.SealingKey
	attestor *crypto.Attestor
	delay    time.Duration
}

type Option func(*Enclave)

// WithDelay makes every Compare take at least d, like a remote MPC round.
func WithDelay(d time.Duration) Option { return func(e *Enclave) { e.delay = d } }

// New derives both keys from seed. Devnet only.
func New(seed []byte, opts ...Option) (*Enclave, error) {
	attestor, err := crypto.NewAttestorFromSeed(crypto.PayloadHash(append([]byte("darkpool/attest/"), seed...)).Bytes())
	if err != nil {
		return nil, err
	}
	e := &Enclave{
		key:      crypto.NewSealingKeyFromSeed(seed),
		attestor: attestor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Enclave) SealingKey() kem.PublicKey         { return e.key.PublicKey() }
func (e *Enclave) SealingKeyBytes() []byte           { return e.key.PublicKeyBytes() }
func (e *Enclave) AttestationKey() *crypto.BLSPubKey { return e.attestor.PublicKey() }

// Seal is the client-side half, exposed for tests and the devnet feeder.
func (e *Enclave) Seal(side order.Side, submitter common.Address, f crypto.OrderFields) ([]byte, error) {
	return crypto.SealOrder(e.key.PublicKey(), uint8(side), submitter, f)
}

// Compare opens both orders and decides whether they cross. A buy crosses a
// sell when its limit is at or above the sell limit. The fill quantity is
// the smaller of the two quantities.
func (e *Enclave) Compare(ctx context.Context, req matching.CompareRequest) (matching.Decision, error) {
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return matching.Decision{}, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	if req.Buy.Side != order.SideBuy || req.Sell.Side != order.SideSell {
		return matching.Decision{}, fmt.Errorf("%w: compare needs a buy and a sell", order.ErrValidation)
	}

	buy, err := e.key.OpenOrder(req.Buy.Payload, uint8(req.Buy.Side), req.Buy.Submitter)
	if err != nil {
		return matching.Decision{}, unreadable(req.Buy.OrderID, err)
	}
	sell, err := e.key.OpenOrder(req.Sell.Payload, uint8(req.Sell.Side), req.Sell.Submitter)
	if err != nil {
		return matching.Decision{}, unreadable(req.Sell.OrderID, err)
	}

	if buy.Price.LessThan(sell.Price) {
		return matching.Decision{Matched: false}, nil
	}

	dec := matching.Decision{Matched: true}
	switch req.Policy {
	case matching.PolicyResting:
		if req.RestingOrderID == req.Sell.OrderID {
			dec.FillPrice = sell.Price
		} else {
			dec.FillPrice = buy.Price
		}
	default:
		dec.FillPrice = buy.Price.Add(sell.Price).Div(two)
	}
	dec.FillQuantity = buy.Quantity
	if sell.Quantity.LessThan(dec.FillQuantity) {
		dec.FillQuantity = sell.Quantity
	}
	dec.Attestation = e.attestor.Sign(req.Digest(dec))
	return dec, nil
}

func unreadable(orderID string, err error) error {
	return &matching.PayloadError{OrderID: orderID, Err: fmt.Errorf("%w: %w", order.ErrValidation, err)}
}
