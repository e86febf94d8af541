// Package events fans public order events out to sinks.
//
// Events only carry what is already public about an order: id, side,
// submitter, status and, once settled, the settlement tx id. Prices,
// quantities, match ids and counterparties never appear here, and no two
// events are emitted for the two sides of one match until the settlement
// tx makes the pair public.
package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/pkg/app/core/lifecycle"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

type Type string

const (
	OrderSubmitted Type = "order_submitted"
	TradeSettled   Type = "trade_settled"
	OrderCancelled Type = "order_cancelled"
	OrderExpired   Type = "order_expired"
)

type Event struct {
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	OrderID   string         `json:"orderId"`
	Side      order.Side     `json:"side"`
	Submitter common.Address `json:"submitter"`
	Status    order.Status   `json:"status"`
	TxID      string         `json:"txId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func Submitted(o order.Order) Event {
	return Event{
		Type:      OrderSubmitted,
		OrderID:   o.ID,
		Side:      o.Side,
		Submitter: o.Submitter,
		Status:    o.Status,
		Timestamp: o.SubmittedAt,
	}
}

// FromTransition maps a lifecycle transition to its public event. The
// matching round trip (pending -> matching -> pending), the commit into
// matched and everything that happens to a matched order short of
// settlement produce no event: both sides move in one commit, so their
// events would name the pair.
func FromTransition(tr lifecycle.Transition) (Event, bool) {
	if tr.From == order.StatusMatched && tr.To != order.StatusSettled {
		return Event{}, false
	}
	var t Type
	switch tr.To {
	case order.StatusSettled:
		t = TradeSettled
	case order.StatusCancelled:
		t = OrderCancelled
	case order.StatusExpired:
		t = OrderExpired
	default:
		return Event{}, false
	}
	ev := Event{
		Type:      t,
		OrderID:   tr.OrderID,
		Side:      tr.Side,
		Submitter: tr.Submitter,
		Status:    tr.To,
		Timestamp: tr.At,
	}
	if t == TradeSettled {
		ev.TxID = tr.SettlementTx
	}
	return ev, true
}
