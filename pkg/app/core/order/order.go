package order

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxPayloadSize bounds the sealed ciphertext accepted at submission.
const MaxPayloadSize = 512

// Side is public: the pool only needs it to pair buys with sells.
// Values match the uint8 encoding used in signed submissions.
type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order can be paired with.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy", "1":
		return SideBuy, nil
	case "sell", "2":
		return SideSell, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", ErrValidation, v)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Status uint8

const (
	StatusPending Status = iota + 1
	StatusMatching
	StatusMatched
	StatusSettled
	StatusExpired
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusMatching:  "matching",
	StatusMatched:   "matched",
	StatusSettled:   "settled",
	StatusExpired:   "expired",
	StatusCancelled: "cancelled",
}

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusMatching, StatusMatched, StatusSettled, StatusExpired, StatusCancelled}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseStatus(v string) (Status, error) {
	for st, n := range statusNames {
		if n == v {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired || s == StatusCancelled
}

// Committed reports whether the order is bound to a match (matched or later
// on the success path).
func (s Status) Committed() bool {
	return s == StatusMatched || s == StatusSettled
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a sealed order plus its public metadata.
// Payload never changes after submission; only Status and the linkage
// fields (MatchID, SettlementTx, UpdatedAt) are written by the lifecycle.
type Order struct {
	ID          string         `json:"id"`
	Side        Side           `json:"side"`
	Payload     []byte         `json:"payload"` // sealed {price, quantity}
	Status      Status         `json:"status"`
	Submitter   common.Address `json:"submitter"`
	SubmittedAt time.Time      `json:"submittedAt"`
	Seq         uint64         `json:"seq"` // submission sequence, FIFO tie-break after SubmittedAt

	MatchID      string    `json:"matchId,omitempty"`
	SettlementTx string    `json:"settlementTx,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks the fields a submitter controls.
func (o Order) Validate() error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if len(o.Payload) == 0 {
		return fmt.Errorf("%w: sealed payload is empty", ErrValidation)
	}
	if len(o.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: sealed payload is %d bytes, max %d", ErrValidation, len(o.Payload), MaxPayloadSize)
	}
	if o.Submitter == (common.Address{}) {
		return fmt.Errorf("%w: submitter is required", ErrValidation)
	}
	return nil
}

// Clone returns a copy that shares no memory with o.
func (o Order) Clone() Order {
	o.Payload = bytes.Clone(o.Payload)
	return o
}

// Before orders by submission time, then by sequence.
func (o Order) Before(other Order) bool {
	if !o.SubmittedAt.Equal(other.SubmittedAt) {
		return o.SubmittedAt.Before(other.SubmittedAt)
	}
	return o.Seq < other.Seq
}

// SameImmutable reports whether the fields fixed at submission are unchanged.
func (o Order) SameImmutable(other Order) bool {
	return o.ID == other.ID &&
		o.Side == other.Side &&
		o.Submitter == other.Submitter &&
		o.SubmittedAt.Equal(other.SubmittedAt) &&
		o.Seq == other.Seq &&
		bytes.Equal(o.Payload, other.Payload)
}

// PublicOrder is the externally observable view of an order.
type PublicOrder struct {
	ID           string         `json:"id"`
	Side         Side           `json:"side"`
	Status       Status         `json:"status"`
	Submitter    common.Address `json:"submitter"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	SettlementTx string         `json:"settlementTx,omitempty"`
}

func (o Order) Public() PublicOrder {
	p := PublicOrder{
		ID:          o.ID,
		Side:        o.Side,
		Status:      o.Status,
		Submitter:   o.Submitter,
		SubmittedAt: o.SubmittedAt,
	}
	if o.Status == StatusSettled {
		p.SettlementTx = o.SettlementTx
	}
	return p
}
