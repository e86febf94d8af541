package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
)

func TestPebbleStoreReload(t *testing.T) {
	dir := t.TempDir()
	buyer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller := common.HexToAddress("0x2222222222222222222222222222222222222222")

	db, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := store.New(store.WithBackend(db))

	buy, err := s.Submit(order.Order{Side: order.SideBuy, Payload: []byte("b"), Submitter: buyer})
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	sell, err := s.Submit(order.Order{Side: order.SideSell, Payload: []byte("s"), Submitter: seller})
	if err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	lone, err := s.Submit(order.Order{Side: order.SideBuy, Payload: []byte("l"), Submitter: buyer})
	if err != nil {
		t.Fatalf("submit lone: %v", err)
	}

	m := order.MatchResult{
		ID: "m-1", OrderID: buy.ID, CounterOrderID: sell.ID,
		BuyOrderID: buy.ID, SellOrderID: sell.ID,
		Buyer: buyer, Seller: seller,
		FillPrice:    decimal.RequireFromString("100.25"),
		FillQuantity: decimal.NewFromInt(10),
		Policy:       "midpoint",
	}
	steps := []store.Txn{
		{Changes: []store.Change{
			{OrderID: buy.ID, From: order.StatusPending, To: order.StatusMatching},
			{OrderID: sell.ID, From: order.StatusPending, To: order.StatusMatching},
		}},
		{Changes: []store.Change{
			{OrderID: buy.ID, From: order.StatusMatching, To: order.StatusMatched, MatchID: m.ID},
			{OrderID: sell.ID, From: order.StatusMatching, To: order.StatusMatched, MatchID: m.ID},
		}, Match: &m},
		{Changes: []store.Change{
			{OrderID: buy.ID, From: order.StatusMatched, To: order.StatusSettled, SettlementTx: "0xfeed"},
			{OrderID: sell.ID, From: order.StatusMatched, To: order.StatusSettled, SettlementTx: "0xfeed"},
		}, Settlement: &order.SettlementRecord{MatchID: m.ID, TxID: "0xfeed", Notional: m.Notional()}},
	}
	for i, txn := range steps {
		if err := s.Commit(txn); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	reloaded := store.New(store.WithBackend(db2))
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, err := reloaded.Get(buy.ID)
	if err != nil {
		t.Fatalf("get buy: %v", err)
	}
	if got.Status != order.StatusSettled || got.SettlementTx != "0xfeed" || got.MatchID != m.ID {
		t.Errorf("buy after reload = %+v", got)
	}
	if string(got.Payload) != "b" {
		t.Errorf("payload = %q, want %q", got.Payload, "b")
	}

	var pending []string
	for o := range reloaded.ListPending() {
		pending = append(pending, o.ID)
	}
	if len(pending) != 1 || pending[0] != lone.ID {
		t.Errorf("pending after reload = %v, want [%s]", pending, lone.ID)
	}

	gm, err := reloaded.GetMatch(m.ID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if !gm.FillPrice.Equal(m.FillPrice) {
		t.Errorf("fill price = %s, want %s", gm.FillPrice, m.FillPrice)
	}
	if _, err := reloaded.GetSettlement(m.ID); err != nil {
		t.Errorf("settlement missing after reload: %v", err)
	}

	// sequence numbering continues after the reloaded maximum
	next, err := reloaded.Submit(order.Order{Side: order.SideSell, Payload: []byte("n"), Submitter: seller})
	if err != nil {
		t.Fatalf("submit after reload: %v", err)
	}
	if next.Seq != lone.Seq+1 {
		t.Errorf("seq = %d, want %d", next.Seq, lone.Seq+1)
	}
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.log")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Append("a pending->matching")
	j.Append("a matching->matched")
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[1] != "a matching->matched" {
		t.Errorf("journal lines = %q", lines)
	}
}
