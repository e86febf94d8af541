package settlement

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// RevealView is a match as seen by one of its two parties.
type RevealView struct {
	MatchID             string          `json:"matchId"`
	OrderID             string          `json:"orderId"`
	CounterpartyOrderID string          `json:"counterpartyOrderId"`
	Side                order.Side      `json:"side"`
	Counterparty        common.Address  `json:"counterparty"`
	FillPrice           decimal.Decimal `json:"fillPrice"`
	FillQuantity        decimal.Decimal `json:"fillQuantity"`
	Notional            decimal.Decimal `json:"notional"`
	Fee                 decimal.Decimal `json:"fee"`
	State               string          `json:"state"` // settling, settled or void
	TxID                string          `json:"txId,omitempty"`
	MatchedAt           time.Time       `json:"matchedAt"`
	SettledAt           *time.Time      `json:"settledAt,omitempty"`
}

// Reveal discloses a match to requester if, and only if, requester is the
// buyer or the seller. Everyone else gets ErrNotFound, the same answer as
// for a match that does not exist.
func (d *Dispatcher) Reveal(matchID string, requester common.Address) (RevealView, error) {
	res, err := d.store.GetMatch(matchID)
	if err != nil || !res.Party(requester) {
		return RevealView{}, fmt.Errorf("%w: match %s", order.ErrNotFound, matchID)
	}

	v := RevealView{
		MatchID:      res.ID,
		FillPrice:    res.FillPrice,
		FillQuantity: res.FillQuantity,
		Notional:     res.Notional(),
		Fee:          Fee(res.Notional(), d.cfg.FeeBps),
		State:        "settling",
		MatchedAt:    res.CreatedAt,
	}
	if requester == res.Buyer {
		v.Side = order.SideBuy
		v.OrderID, v.CounterpartyOrderID = res.BuyOrderID, res.SellOrderID
		v.Counterparty = res.Seller
	} else {
		v.Side = order.SideSell
		v.OrderID, v.CounterpartyOrderID = res.SellOrderID, res.BuyOrderID
		v.Counterparty = res.Buyer
	}

	if rec, err := d.store.GetSettlement(matchID); err == nil {
		v.State = "settled"
		v.TxID = rec.TxID
		v.Fee = rec.Fee
		at := rec.SettledAt
		v.SettledAt = &at
	} else if res.Void {
		v.State = "void"
	}
	return v, nil
}
