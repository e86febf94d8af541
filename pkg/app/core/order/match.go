package order

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MatchResult pairs two orders at a single fill.
// Fill values and the counterparties are only ever shown to Buyer and Seller.
type MatchResult struct {
	ID             string `json:"id"`
	OrderID        string `json:"orderId"`        // earlier submitted (resting) order
	CounterOrderID string `json:"counterOrderId"` // order that crossed it
	BuyOrderID     string `json:"buyOrderId"`
	SellOrderID    string `json:"sellOrderId"`

	Buyer  common.Address `json:"buyer"`
	Seller common.Address `json:"seller"`

	FillPrice    decimal.Decimal `json:"fillPrice"`
	FillQuantity decimal.Decimal `json:"fillQuantity"`
	Policy       string          `json:"policy"`
	Attestation  []byte          `json:"attestation,omitempty"` // enclave signature over the decision

	CreatedAt time.Time `json:"createdAt"`

	// settlement bookkeeping
	Attempts int  `json:"attempts"`
	Void     bool `json:"void"`
}

func (m MatchResult) Involves(orderID string) bool {
	return m.BuyOrderID == orderID || m.SellOrderID == orderID
}

// Party reports whether addr is one of the two matched submitters.
func (m MatchResult) Party(addr common.Address) bool {
	return addr == m.Buyer || addr == m.Seller
}

// Notional is price times quantity.
func (m MatchResult) Notional() decimal.Decimal {
	return m.FillPrice.Mul(m.FillQuantity)
}

// SettlementRecord is written once the ledger confirms a match.
type SettlementRecord struct {
	MatchID   string          `json:"matchId"`
	TxID      string          `json:"txId"`
	Notional  decimal.Decimal `json:"notional"`
	Fee       decimal.Decimal `json:"fee"`
	Attempts  int             `json:"attempts"`
	SettledAt time.Time       `json:"settledAt"`
}
