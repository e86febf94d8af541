// Package ledger holds the settlement ledger backends: an in-memory
// simulator for devnet and tests, and a NATS request/reply client.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/settlement"
)

// SimLedger settles instructions in memory. Instructions are idempotent by
// MatchID: resubmitting a settled match returns the original tx id.
type SimLedger struct {
	mu sync.Mutex

	settled  map[string]string // match id -> tx id
	failNext int
	calls    int

	enforce  bool
	balances map[common.Address]decimal.Decimal
	fees     decimal.Decimal
}

func NewSimLedger() *SimLedger {
	return &SimLedger{
		settled:  make(map[string]string),
		balances: make(map[common.Address]decimal.Decimal),
		fees:     decimal.Zero,
	}
}

// FailNext rejects the next n submissions that are not already settled.
func (l *SimLedger) FailNext(n int) {
	l.mu.Lock()
	l.failNext = n
	l.mu.Unlock()
}

// Fund credits addr and turns on collateral checks: from then on a buyer
// must hold the notional for a settlement to go through.
func (l *SimLedger) Fund(addr common.Address, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enforce = true
	l.balances[addr] = l.balances[addr].Add(amount)
}

func (l *SimLedger) Balance(addr common.Address) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// Fees is the total pool fee collected.
func (l *SimLedger) Fees() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees
}

func (l *SimLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *SimLedger) Settled(matchID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.settled[matchID]
	return tx, ok
}

func (l *SimLedger) SubmitSettlement(ctx context.Context, in settlement.Instruction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	if tx, ok := l.settled[in.MatchID]; ok {
		return tx, nil
	}
	if l.failNext > 0 {
		l.failNext--
		return "", fmt.Errorf("%w: simulated rejection of match %s", order.ErrLedgerRejected, in.MatchID)
	}
	if in.MatchID == "" || in.Buyer == (common.Address{}) || in.Seller == (common.Address{}) {
		return "", fmt.Errorf("%w: incomplete instruction", order.ErrLedgerRejected)
	}
	if !in.Price.IsPositive() || !in.Quantity.IsPositive() {
		return "", fmt.Errorf("%w: non-positive fill", order.ErrLedgerRejected)
	}

	if l.enforce {
		if l.balances[in.Buyer].LessThan(in.Notional) {
			return "", fmt.Errorf("%w: buyer %s has %s, needs %s", order.ErrLedgerRejected, in.Buyer.Hex(), l.balances[in.Buyer], in.Notional)
		}
		l.balances[in.Buyer] = l.balances[in.Buyer].Sub(in.Notional)
		l.balances[in.Seller] = l.balances[in.Seller].Add(in.Notional.Sub(in.Fee))
	}
	l.fees = l.fees.Add(in.Fee)

	tx := txID(in)
	l.settled[in.MatchID] = tx
	return tx, nil
}

func txID(in settlement.Instruction) string {
	return crypto.Keccak256Hash(
		[]byte(in.MatchID),
		in.Buyer.Bytes(),
		in.Seller.Bytes(),
		[]byte(in.Price.String()),
		[]byte(in.Quantity.String()),
	).Hex()
}

var _ settlement.Ledger = (*SimLedger)(nil)
