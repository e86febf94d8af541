package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
	"github.com/uhyunpark/darkpool/pkg/util"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
)

type fixture struct {
	store *store.Store
	m     *Machine
	clock *util.ManualClock
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	clock := util.NewManualClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s := store.New(store.WithClock(clock))
	return &fixture{
		store: s,
		m:     New(s, Config{TTL: ttl, SweepInterval: time.Second}, WithClock(clock)),
		clock: clock,
	}
}

func (f *fixture) submit(t *testing.T, side order.Side, who common.Address) order.Order {
	t.Helper()
	o, err := f.store.Submit(order.Order{Side: side, Payload: []byte("sealed"), Submitter: who})
	require.NoError(t, err)
	return o
}

func (f *fixture) status(t *testing.T, id string) order.Status {
	t.Helper()
	o, err := f.store.Get(id)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) match(t *testing.T, buy, sell order.Order) order.MatchResult {
	t.Helper()
	_, _, err := f.m.BeginMatch(buy.ID, sell.ID)
	require.NoError(t, err)
	res := order.MatchResult{
		ID:           "match-" + buy.ID[:8],
		OrderID:      buy.ID,
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		FillPrice:    decimal.RequireFromString("100.25"),
		FillQuantity: decimal.NewFromInt(10),
	}
	require.NoError(t, f.m.CommitMatch(res))
	return res
}

func TestTablePermits(t *testing.T) {
	tests := []struct {
		from order.Status
		ev   Event
		to   order.Status
		want bool
	}{
		{order.StatusPending, EventMatchAttemptStarted, order.StatusMatching, true},
		{order.StatusMatching, EventMatchFound, order.StatusMatched, true},
		{order.StatusMatching, EventMatchNotFound, order.StatusPending, true},
		{order.StatusPending, EventCancelRequested, order.StatusCancelled, true},
		{order.StatusMatching, EventCancelRequested, order.StatusCancelled, true},
		{order.StatusMatched, EventCancelRequested, order.StatusCancelled, false},
		{order.StatusPending, EventTTLExpired, order.StatusExpired, true},
		{order.StatusMatched, EventTTLExpired, order.StatusExpired, false},
		{order.StatusMatched, EventSettlementConfirmed, order.StatusSettled, true},
		{order.StatusMatching, EventSettlementConfirmed, order.StatusSettled, false},
		{order.StatusMatched, EventSettlementFailed, order.StatusMatched, true},
		{order.StatusMatched, EventSettlementFailed, order.StatusExpired, true},
		{order.StatusPending, EventMatchFound, order.StatusMatched, false},
		{order.StatusSettled, EventSettlementFailed, order.StatusExpired, false},
		{order.StatusMatching, EventPayloadRejected, order.StatusExpired, true},
		{order.StatusPending, EventPayloadRejected, order.StatusExpired, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s_%s", tt.from, tt.ev, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultTable.Permits(tt.from, tt.ev, tt.to))
		})
	}
}

func TestMatchPathTransitionsBothOrders(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)

	a, b, err := f.m.BeginMatch(buy.ID, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusMatching, a.Status)
	assert.Equal(t, order.StatusMatching, b.Status)

	res := order.MatchResult{ID: "m1", BuyOrderID: buy.ID, SellOrderID: sell.ID}
	require.NoError(t, f.m.CommitMatch(res))

	for _, id := range []string{buy.ID, sell.ID} {
		o, _ := f.store.Get(id)
		assert.Equal(t, order.StatusMatched, o.Status)
		assert.Equal(t, "m1", o.MatchID)
	}
	stored, err := f.store.GetMatch("m1")
	require.NoError(t, err)
	assert.Equal(t, alice, stored.Buyer)
	assert.Equal(t, bob, stored.Seller)
}

func TestBeginMatchRejectsIneligiblePairs(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	buy2 := f.submit(t, order.SideBuy, carol)
	sell := f.submit(t, order.SideSell, bob)

	_, _, err := f.m.BeginMatch(buy.ID, buy2.ID)
	assert.ErrorIs(t, err, order.ErrValidation)

	_, _, err = f.m.BeginMatch(buy.ID, buy.ID)
	assert.ErrorIs(t, err, order.ErrValidation)

	_, _, err = f.m.BeginMatch(buy.ID, sell.ID)
	require.NoError(t, err)
	_, _, err = f.m.BeginMatch(buy2.ID, sell.ID)
	assert.ErrorIs(t, err, order.ErrConcurrencyConflict)
	assert.Equal(t, order.StatusPending, f.status(t, buy2.ID))
}

func TestCommitMatchAfterCancelLeavesNoHalfPair(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)

	_, _, err := f.m.BeginMatch(buy.ID, sell.ID)
	require.NoError(t, err)

	// the seller withdraws while the comparison is in flight
	_, err = f.m.Cancel(sell.ID, bob)
	require.NoError(t, err)

	err = f.m.CommitMatch(order.MatchResult{ID: "m1", BuyOrderID: buy.ID, SellOrderID: sell.ID})
	assert.ErrorIs(t, err, order.ErrConcurrencyConflict)
	assert.Equal(t, order.StatusMatching, f.status(t, buy.ID))

	require.NoError(t, f.m.Requeue(buy.ID, sell.ID))
	assert.Equal(t, order.StatusPending, f.status(t, buy.ID))
	assert.Equal(t, order.StatusCancelled, f.status(t, sell.ID))
	_, err = f.store.GetMatch("m1")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, time.Minute)

	t.Run("pending always succeeds", func(t *testing.T) {
		o := f.submit(t, order.SideBuy, alice)
		got, err := f.m.Cancel(o.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, got.Status)
	})

	t.Run("wrong submitter", func(t *testing.T) {
		o := f.submit(t, order.SideBuy, alice)
		_, err := f.m.Cancel(o.ID, bob)
		assert.ErrorIs(t, err, order.ErrNotOwner)
		assert.Equal(t, order.StatusPending, f.status(t, o.ID))
	})

	t.Run("matched fails with already matched", func(t *testing.T) {
		buy := f.submit(t, order.SideBuy, alice)
		sell := f.submit(t, order.SideSell, bob)
		f.match(t, buy, sell)
		_, err := f.m.Cancel(buy.ID, alice)
		assert.ErrorIs(t, err, order.ErrAlreadyMatched)
		assert.Equal(t, order.StatusMatched, f.status(t, buy.ID))
	})

	t.Run("terminal is illegal", func(t *testing.T) {
		o := f.submit(t, order.SideSell, bob)
		_, err := f.m.Cancel(o.ID, bob)
		require.NoError(t, err)
		_, err = f.m.Cancel(o.ID, bob)
		assert.ErrorIs(t, err, order.ErrIllegalTransition)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := f.m.Cancel("nope", alice)
		assert.ErrorIs(t, err, order.ErrNotFound)
	})
}

func TestRecoverMatchingRequeuesStrandedOrders(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)
	lone := f.submit(t, order.SideBuy, carol)
	_, _, err := f.m.BeginMatch(buy.ID, sell.ID)
	require.NoError(t, err)

	n, err := f.m.RecoverMatching()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, order.StatusPending, f.status(t, buy.ID))
	assert.Equal(t, order.StatusPending, f.status(t, sell.ID))
	assert.Equal(t, order.StatusPending, f.status(t, lone.ID))

	n, err = f.m.RecoverMatching()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRejectExpiresOnlyMatchingOrders(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)

	assert.ErrorIs(t, f.m.Reject(buy.ID), order.ErrIllegalTransition)
	assert.Equal(t, order.StatusPending, f.status(t, buy.ID))

	_, _, err := f.m.BeginMatch(buy.ID, sell.ID)
	require.NoError(t, err)
	require.NoError(t, f.m.Reject(sell.ID))
	require.NoError(t, f.m.Requeue(buy.ID))
	assert.Equal(t, order.StatusExpired, f.status(t, sell.ID))
	assert.Equal(t, order.StatusPending, f.status(t, buy.ID))
}

func TestSweepExpiresOnlyStaleOrders(t *testing.T) {
	f := newFixture(t, time.Minute)
	lone := f.submit(t, order.SideBuy, alice)

	assert.Empty(t, f.m.Sweep())
	assert.Equal(t, order.StatusPending, f.status(t, lone.ID))
	assert.ErrorIs(t, f.m.Expire(lone.ID), order.ErrIllegalTransition)

	f.clock.Advance(30 * time.Second)
	fresh := f.submit(t, order.SideSell, bob)
	f.clock.Advance(31 * time.Second)

	assert.Equal(t, []string{lone.ID}, f.m.Sweep())
	assert.Equal(t, order.StatusExpired, f.status(t, lone.ID))
	assert.Equal(t, order.StatusPending, f.status(t, fresh.ID))
}

func TestSweepLeavesMatchedOrders(t *testing.T) {
	f := newFixture(t, time.Minute)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)
	f.match(t, buy, sell)

	f.clock.Advance(time.Hour)
	assert.Empty(t, f.m.Sweep())
	assert.Equal(t, order.StatusMatched, f.status(t, buy.ID))
}

func TestSettlementConfirmed(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)
	res := f.match(t, buy, sell)

	rec := order.SettlementRecord{MatchID: res.ID, TxID: "0xabc", Notional: res.Notional(), Attempts: 3}
	require.NoError(t, f.m.ConfirmSettlement(rec))

	for _, id := range []string{buy.ID, sell.ID} {
		o, _ := f.store.Get(id)
		assert.Equal(t, order.StatusSettled, o.Status)
		assert.Equal(t, "0xabc", o.SettlementTx)
	}
	stored, _ := f.store.GetMatch(res.ID)
	assert.Equal(t, 3, stored.Attempts)

	// a second confirmation finds nothing in matched
	assert.ErrorIs(t, f.m.ConfirmSettlement(rec), order.ErrConcurrencyConflict)
}

func TestSettlementFailedRetryThenExhausted(t *testing.T) {
	f := newFixture(t, 0)
	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)
	res := f.match(t, buy, sell)

	got, err := f.m.FailSettlement(res.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.False(t, got.Void)
	assert.Equal(t, order.StatusMatched, f.status(t, buy.ID))

	got, err = f.m.FailSettlement(res.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Void)
	assert.Equal(t, order.StatusExpired, f.status(t, buy.ID))
	assert.Equal(t, order.StatusExpired, f.status(t, sell.ID))

	stored, _ := f.store.GetMatch(res.ID)
	assert.True(t, stored.Void)
	assert.ErrorIs(t, f.m.ConfirmSettlement(order.SettlementRecord{MatchID: res.ID}), order.ErrIllegalTransition)
}

func TestListenersAndJournal(t *testing.T) {
	f := newFixture(t, 0)
	j := &memJournal{}
	f.m.journal = j

	var seen []Transition
	f.m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	buy := f.submit(t, order.SideBuy, alice)
	sell := f.submit(t, order.SideSell, bob)
	f.match(t, buy, sell)

	require.Len(t, seen, 4)
	assert.Equal(t, EventMatchAttemptStarted, seen[0].Event)
	assert.Equal(t, EventMatchFound, seen[3].Event)
	assert.Equal(t, order.StatusMatched, seen[3].To)
	assert.NotEmpty(t, seen[3].MatchID)
	assert.Len(t, j.lines, 4)
}

type memJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *memJournal) Append(line string) {
	j.mu.Lock()
	j.lines = append(j.lines, line)
	j.mu.Unlock()
}

// Many goroutines race to pair one sell order with different buys. Exactly
// one may commit and the sell order must end up in exactly one match.
func TestConcurrentPairingCommitsOnce(t *testing.T) {
	f := newFixture(t, 0)
	sell := f.submit(t, order.SideSell, bob)
	var buys []order.Order
	for i := 0; i < 16; i++ {
		buys = append(buys, f.submit(t, order.SideBuy, alice))
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i, b := range buys {
		wg.Add(1)
		go func(i int, b order.Order) {
			defer wg.Done()
			if _, _, err := f.m.BeginMatch(b.ID, sell.ID); err != nil {
				return
			}
			err := f.m.CommitMatch(order.MatchResult{ID: fmt.Sprintf("m%d", i), BuyOrderID: b.ID, SellOrderID: sell.ID})
			if err == nil {
				wins.Add(1)
			}
		}(i, b)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, f.store.Matches(nil), 1)

	matched := 0
	for _, b := range buys {
		switch f.status(t, b.ID) {
		case order.StatusMatched:
			matched++
		case order.StatusPending:
		default:
			t.Errorf("buy %s in unexpected status %s", b.ID, f.status(t, b.ID))
		}
	}
	assert.Equal(t, 1, matched)
	assert.Equal(t, order.StatusMatched, f.status(t, sell.ID))
	assert.Equal(t, 0, f.m.locks.size())
}
