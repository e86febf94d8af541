package store

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/util"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newOrder(side order.Side, who common.Address) order.Order {
	return order.Order{Side: side, Payload: []byte("sealed"), Submitter: who}
}

func TestSubmitAssignsIdentity(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	s := New(WithClock(clock))

	o, err := s.Submit(newOrder(order.SideBuy, alice))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, clock.Now(), o.SubmittedAt)
	assert.Equal(t, uint64(1), o.Seq)

	got, err := s.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, []byte("sealed"), got.Payload)
}

func TestSubmitRejections(t *testing.T) {
	s := New()
	first, err := s.Submit(order.Order{ID: "fixed", Side: order.SideSell, Payload: []byte{1}, Submitter: bob})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   order.Order
		want error
	}{
		{"duplicate id", order.Order{ID: first.ID, Side: order.SideBuy, Payload: []byte{1}, Submitter: alice}, order.ErrDuplicateID},
		{"empty payload", order.Order{Side: order.SideBuy, Submitter: alice}, order.ErrValidation},
		{"oversized payload", order.Order{Side: order.SideBuy, Payload: make([]byte, order.MaxPayloadSize+1), Submitter: alice}, order.ErrValidation},
		{"bad side", order.Order{Side: 9, Payload: []byte{1}, Submitter: alice}, order.ErrValidation},
		{"no submitter", order.Order{Side: order.SideBuy, Payload: []byte{1}}, order.ErrValidation},
		{"not pending", order.Order{Side: order.SideBuy, Payload: []byte{1}, Submitter: alice, Status: order.StatusMatched}, order.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetNotFound(t *testing.T) {
	_, err := New().Get("missing")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := New()
	o, err := s.Submit(newOrder(order.SideBuy, alice))
	require.NoError(t, err)

	o.Payload[0] = 'X'
	got, _ := s.Get(o.ID)
	assert.Equal(t, byte('s'), got.Payload[0])
}

func TestListPendingOrderAndRestart(t *testing.T) {
	s := New()
	a, _ := s.Submit(newOrder(order.SideBuy, alice))
	b, _ := s.Submit(newOrder(order.SideSell, bob))
	c, _ := s.Submit(newOrder(order.SideBuy, bob))

	ids := func() []string {
		var out []string
		for o := range s.ListPending() {
			out = append(out, o.ID)
		}
		return out
	}
	pending := s.ListPending()
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids())

	require.NoError(t, s.Commit(Txn{Changes: []Change{{OrderID: b.ID, From: order.StatusPending, To: order.StatusMatching}}}))

	// same sequence value, ranged again, reflects the new state
	var again []string
	for o := range pending {
		again = append(again, o.ID)
	}
	assert.Equal(t, []string{a.ID, c.ID}, again)
}

func TestListPendingSkipsOrdersChangedMidIteration(t *testing.T) {
	s := New()
	a, _ := s.Submit(newOrder(order.SideBuy, alice))
	b, _ := s.Submit(newOrder(order.SideSell, bob))

	var seen []string
	for o := range s.ListPending() {
		seen = append(seen, o.ID)
		if o.ID == a.ID {
			require.NoError(t, s.Commit(Txn{Changes: []Change{{OrderID: b.ID, From: order.StatusPending, To: order.StatusCancelled}}}))
		}
	}
	assert.Equal(t, []string{a.ID}, seen)
}

func TestCommitIsAllOrNothing(t *testing.T) {
	s := New()
	a, _ := s.Submit(newOrder(order.SideBuy, alice))
	b, _ := s.Submit(newOrder(order.SideSell, bob))

	// b is not matching, so the whole pair change must be rejected
	require.NoError(t, s.Commit(Txn{Changes: []Change{{OrderID: a.ID, From: order.StatusPending, To: order.StatusMatching}}}))
	m := &order.MatchResult{ID: "m1", BuyOrderID: a.ID, SellOrderID: b.ID}
	err := s.Commit(Txn{
		Changes: []Change{
			{OrderID: a.ID, From: order.StatusMatching, To: order.StatusMatched, MatchID: "m1"},
			{OrderID: b.ID, From: order.StatusMatching, To: order.StatusMatched, MatchID: "m1"},
		},
		Match: m,
	})
	assert.ErrorIs(t, err, order.ErrConcurrencyConflict)

	got, _ := s.Get(a.ID)
	assert.Equal(t, order.StatusMatching, got.Status)
	assert.Empty(t, got.MatchID)
	_, err = s.GetMatch("m1")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestCommitSettlementOnce(t *testing.T) {
	s := New()
	m := &order.MatchResult{ID: "m1", FillPrice: decimal.RequireFromString("100.25"), FillQuantity: decimal.NewFromInt(10)}
	require.NoError(t, s.Commit(Txn{Match: m}))

	rec := &order.SettlementRecord{MatchID: "m1", TxID: "0xabc", Notional: m.Notional()}
	require.NoError(t, s.Commit(Txn{Settlement: rec}))
	assert.ErrorIs(t, s.Commit(Txn{Settlement: rec}), order.ErrConcurrencyConflict)
	assert.ErrorIs(t, s.Commit(Txn{Settlement: &order.SettlementRecord{MatchID: "nope"}}), order.ErrNotFound)

	got, err := s.GetSettlement("m1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.TxID)
	assert.Empty(t, s.Unsettled())
	assert.True(t, s.Stats().Volume.Equal(decimal.RequireFromString("1002.5")))
}

type failingBackend struct {
	applied []Batch
	fail    bool
}

func (f *failingBackend) Apply(b Batch) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.applied = append(f.applied, b)
	return nil
}
func (f *failingBackend) LoadOrders() ([]order.Order, error) {
	var out []order.Order
	for _, b := range f.applied {
		out = append(out, b.Orders...)
	}
	return out, nil
}
func (f *failingBackend) LoadMatches() ([]order.MatchResult, error)          { return nil, nil }
func (f *failingBackend) LoadSettlements() ([]order.SettlementRecord, error) { return nil, nil }

func TestBackendFailureLeavesIndexUntouched(t *testing.T) {
	be := &failingBackend{}
	s := New(WithBackend(be))
	a, err := s.Submit(newOrder(order.SideBuy, alice))
	require.NoError(t, err)

	be.fail = true
	err = s.Commit(Txn{Changes: []Change{{OrderID: a.ID, From: order.StatusPending, To: order.StatusCancelled}}})
	require.Error(t, err)
	got, _ := s.Get(a.ID)
	assert.Equal(t, order.StatusPending, got.Status)

	_, err = s.Submit(newOrder(order.SideSell, bob))
	require.Error(t, err)
	assert.Len(t, slices.Collect(s.ListPending()), 1)
}

func TestListBySubmitter(t *testing.T) {
	s := New()
	s.Submit(newOrder(order.SideBuy, alice))
	s.Submit(newOrder(order.SideSell, bob))
	s.Submit(newOrder(order.SideSell, alice))

	var sides []order.Side
	for o := range s.ListBySubmitter(alice) {
		sides = append(sides, o.Side)
	}
	assert.Equal(t, []order.Side{order.SideBuy, order.SideSell}, sides)
}
