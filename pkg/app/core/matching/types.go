package matching

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

// FillPolicy picks the execution price of a crossing pair.
type FillPolicy string

const (
	PolicyMidpoint FillPolicy = "midpoint" // (buy + sell) / 2
	PolicyResting  FillPolicy = "resting"  // price of the earlier order
)

func ParseFillPolicy(v string) (FillPolicy, error) {
	switch FillPolicy(v) {
	case PolicyMidpoint, PolicyResting:
		return FillPolicy(v), nil
	case "":
		return PolicyMidpoint, nil
	}
	return "", fmt.Errorf("%w: unknown fill policy %q", order.ErrValidation, v)
}

// Sealed is what crosses into the sealing boundary for one order.
type Sealed struct {
	OrderID   string
	Side      order.Side
	Submitter common.Address
	Payload   []byte
}

func SealedOf(o order.Order) Sealed {
	return Sealed{OrderID: o.ID, Side: o.Side, Submitter: o.Submitter, Payload: o.Payload}
}

type CompareRequest struct {
	Buy            Sealed
	Sell           Sealed
	RestingOrderID string
	Policy         FillPolicy
}

// Decision is the only thing that leaves the boundary. Unmatched decisions
// carry no prices.
type Decision struct {
	Matched      bool
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Attestation  []byte
}

// Digest is the message the sealing service attests for d.
func (r CompareRequest) Digest(d Decision) []byte {
	return crypto.DecisionDigest(
		r.Buy.OrderID, r.Sell.OrderID, r.RestingOrderID, string(r.Policy),
		d.FillPrice.String(), d.FillQuantity.String(),
	)
}

// PayloadError is returned by a Sealer when one order's sealed payload
// cannot be opened. That order can never match: the coordinator expires it
// and returns its counterpart to pending.
type PayloadError struct {
	OrderID string
	Err     error
}

func (e *PayloadError) Error() string { return fmt.Sprintf("order %s: %v", e.OrderID, e.Err) }
func (e *PayloadError) Unwrap() error { return e.Err }

// Sealer runs the confidential comparison of two sealed orders.
type Sealer interface {
	Compare(ctx context.Context, req CompareRequest) (Decision, error)
}
