package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
	"github.com/uhyunpark/darkpool/pkg/util"
)

// Transition describes one committed status change.
type Transition struct {
	OrderID      string
	Side         order.Side
	Submitter    common.Address
	From         order.Status
	To           order.Status
	Event        Event
	MatchID      string
	SettlementTx string
	At           time.Time
}

// Journal receives one line per committed transition.
type Journal interface {
	Append(line string)
}

type Config struct {
	TTL           time.Duration // zero disables expiry
	SweepInterval time.Duration
}

// Machine is the only writer of order status after submission. Every
// operation takes the per-order locks of the orders it touches and commits
// through the store's compare-and-swap, so a racing writer either sees the
// new state or fails with ErrConcurrencyConflict.
type Machine struct {
	store   *store.Store
	table   Table
	locks   *keyLocks
	clock   util.Clock
	cfg     Config
	log     *zap.SugaredLogger
	journal Journal

	lmu       sync.RWMutex
	listeners []func(Transition)
}

type Option func(*Machine)

func WithClock(c util.Clock) Option          { return func(m *Machine) { m.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Machine) { m.log = l } }
func WithJournal(j Journal) Option           { return func(m *Machine) { m.journal = j } }
func WithTable(t Table) Option               { return func(m *Machine) { m.table = t } }

func New(s *store.Store, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		store: s,
		table: DefaultTable,
		locks: newKeyLocks(),
		clock: util.RealClock{},
		cfg:   cfg,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers fn to be called after every committed transition.
// Listeners run on the caller's goroutine after the order locks are released.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

// BeginMatch moves both orders from pending to matching.
func (m *Machine) BeginMatch(aID, bID string) (order.Order, order.Order, error) {
	if aID == bID {
		return order.Order{}, order.Order{}, fmt.Errorf("%w: cannot pair order %s with itself", order.ErrValidation, aID)
	}
	unlock := m.locks.lock(aID, bID)
	a, b, err := m.pair(aID, bID)
	if err != nil {
		unlock()
		return order.Order{}, order.Order{}, err
	}
	if a.Side == b.Side {
		unlock()
		return order.Order{}, order.Order{}, fmt.Errorf("%w: orders %s and %s are both %s", order.ErrValidation, aID, bID, a.Side)
	}
	if a.Status != order.StatusPending || b.Status != order.StatusPending {
		unlock()
		return order.Order{}, order.Order{}, fmt.Errorf("%w: pair %s/%s is %s/%s", order.ErrConcurrencyConflict, aID, bID, a.Status, b.Status)
	}

	done, err := m.apply(EventMatchAttemptStarted, store.Txn{Changes: []store.Change{
		{OrderID: aID, From: order.StatusPending, To: order.StatusMatching},
		{OrderID: bID, From: order.StatusPending, To: order.StatusMatching},
	}}, a, b)
	unlock()
	if err != nil {
		return order.Order{}, order.Order{}, err
	}
	m.notify(done)

	a.Status, b.Status = order.StatusMatching, order.StatusMatching
	return a, b, nil
}

// CommitMatch moves both orders of res from matching to matched and stores
// res in the same commit.
func (m *Machine) CommitMatch(res order.MatchResult) error {
	unlock := m.locks.lock(res.BuyOrderID, res.SellOrderID)
	buy, sell, err := m.pair(res.BuyOrderID, res.SellOrderID)
	if err != nil {
		unlock()
		return err
	}
	if buy.Side != order.SideBuy || sell.Side != order.SideSell {
		unlock()
		return fmt.Errorf("%w: match %s has sides %s/%s", order.ErrValidation, res.ID, buy.Side, sell.Side)
	}
	if buy.Status != order.StatusMatching || sell.Status != order.StatusMatching {
		unlock()
		return fmt.Errorf("%w: pair %s/%s is %s/%s", order.ErrConcurrencyConflict, buy.ID, sell.ID, buy.Status, sell.Status)
	}
	res.Buyer, res.Seller = buy.Submitter, sell.Submitter

	done, err := m.apply(EventMatchFound, store.Txn{
		Changes: []store.Change{
			{OrderID: buy.ID, From: order.StatusMatching, To: order.StatusMatched, MatchID: res.ID},
			{OrderID: sell.ID, From: order.StatusMatching, To: order.StatusMatched, MatchID: res.ID},
		},
		Match: &res,
	}, buy, sell)
	unlock()
	if err != nil {
		return err
	}
	m.notify(done)
	return nil
}

// Requeue returns every listed order that is still matching to pending.
// Orders that moved on (cancelled, expired) are left alone.
func (m *Machine) Requeue(ids ...string) error {
	unlock := m.locks.lock(ids...)
	var (
		txn    store.Txn
		before []order.Order
	)
	for _, id := range ids {
		o, err := m.store.Get(id)
		if err != nil {
			unlock()
			return err
		}
		if o.Status != order.StatusMatching {
			continue
		}
		txn.Changes = append(txn.Changes, store.Change{OrderID: id, From: order.StatusMatching, To: order.StatusPending})
		before = append(before, o)
	}
	if len(txn.Changes) == 0 {
		unlock()
		return nil
	}
	done, err := m.apply(EventMatchNotFound, txn, before...)
	unlock()
	if err != nil {
		return err
	}
	m.notify(done)
	return nil
}

// RecoverMatching returns every order left in matching to pending. A
// comparison never outlives the process that started it, so after a restart
// any matching order is stranded. It returns how many orders were requeued.
func (m *Machine) RecoverMatching() (int, error) {
	var ids []string
	for o := range m.store.Scan(func(o order.Order) bool { return o.Status == order.StatusMatching }) {
		ids = append(ids, o.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.Requeue(ids...); err != nil {
		return 0, err
	}
	m.log.Infow("matching_recovered", "orders", len(ids))
	return len(ids), nil
}

// Reject expires a matching order whose sealed payload the sealing service
// could not open. Such an order can never match, so it is not requeued.
func (m *Machine) Reject(id string) error {
	unlock := m.locks.lock(id)
	o, err := m.store.Get(id)
	if err != nil {
		unlock()
		return err
	}
	if !m.table.Accepts(o.Status, EventPayloadRejected) {
		unlock()
		return fmt.Errorf("%w: cannot reject %s order %s", order.ErrIllegalTransition, o.Status, id)
	}

	done, err := m.apply(EventPayloadRejected, store.Txn{Changes: []store.Change{
		{OrderID: id, From: o.Status, To: order.StatusExpired},
	}}, o)
	unlock()
	if err != nil {
		return err
	}
	m.notify(done)
	return nil
}

// Cancel withdraws an order on behalf of its submitter. Orders already
// committed to a match fail with ErrAlreadyMatched.
func (m *Machine) Cancel(id string, requester common.Address) (order.Order, error) {
	unlock := m.locks.lock(id)
	o, err := m.store.Get(id)
	if err != nil {
		unlock()
		return order.Order{}, err
	}
	if o.Submitter != requester {
		unlock()
		return order.Order{}, fmt.Errorf("%w: order %s", order.ErrNotOwner, id)
	}
	if o.Status.Committed() {
		unlock()
		return order.Order{}, fmt.Errorf("%w: order %s is %s", order.ErrAlreadyMatched, id, o.Status)
	}
	if !m.table.Accepts(o.Status, EventCancelRequested) {
		unlock()
		return order.Order{}, fmt.Errorf("%w: cannot cancel %s order %s", order.ErrIllegalTransition, o.Status, id)
	}

	done, err := m.apply(EventCancelRequested, store.Txn{Changes: []store.Change{
		{OrderID: id, From: o.Status, To: order.StatusCancelled},
	}}, o)
	unlock()
	if err != nil {
		return order.Order{}, err
	}
	m.notify(done)
	o.Status = order.StatusCancelled
	return o, nil
}

// Expire moves a pending or matching order whose TTL has elapsed to expired.
func (m *Machine) Expire(id string) error {
	if m.cfg.TTL <= 0 {
		return fmt.Errorf("%w: expiry disabled", order.ErrIllegalTransition)
	}
	unlock := m.locks.lock(id)
	o, err := m.store.Get(id)
	if err != nil {
		unlock()
		return err
	}
	if !m.table.Accepts(o.Status, EventTTLExpired) {
		unlock()
		return fmt.Errorf("%w: cannot expire %s order %s", order.ErrIllegalTransition, o.Status, id)
	}
	if m.clock.Now().Before(o.SubmittedAt.Add(m.cfg.TTL)) {
		unlock()
		return fmt.Errorf("%w: order %s has not reached its ttl", order.ErrIllegalTransition, id)
	}

	done, err := m.apply(EventTTLExpired, store.Txn{Changes: []store.Change{
		{OrderID: id, From: o.Status, To: order.StatusExpired},
	}}, o)
	unlock()
	if err != nil {
		return err
	}
	m.notify(done)
	return nil
}

// Sweep expires every pending or matching order past its TTL and returns
// the ids it expired. Orders that change under it are skipped until the
// next sweep.
func (m *Machine) Sweep() []string {
	if m.cfg.TTL <= 0 {
		return nil
	}
	now := m.clock.Now()
	due := m.store.Scan(func(o order.Order) bool {
		return m.table.Accepts(o.Status, EventTTLExpired) && !now.Before(o.SubmittedAt.Add(m.cfg.TTL))
	})

	var expired []string
	for o := range due {
		if err := m.Expire(o.ID); err != nil {
			m.log.Debugw("sweep_skip", "order_id", o.ID, "err", err)
			continue
		}
		expired = append(expired, o.ID)
	}
	if len(expired) > 0 {
		m.log.Infow("ttl_sweep", "expired", len(expired))
	}
	return expired
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (m *Machine) RunSweeper(ctx context.Context) error {
	if m.cfg.TTL <= 0 || m.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.cfg.SweepInterval):
			m.Sweep()
		}
	}
}

// ConfirmSettlement moves both orders of a match to settled and stores rec
// in the same commit.
func (m *Machine) ConfirmSettlement(rec order.SettlementRecord) error {
	res, err := m.store.GetMatch(rec.MatchID)
	if err != nil {
		return err
	}
	if res.Void {
		return fmt.Errorf("%w: match %s is void", order.ErrIllegalTransition, res.ID)
	}

	unlock := m.locks.lock(res.BuyOrderID, res.SellOrderID)
	buy, sell, err := m.matchedPair(res)
	if err != nil {
		unlock()
		return err
	}
	res.Attempts = rec.Attempts

	done, err := m.apply(EventSettlementConfirmed, store.Txn{
		Changes: []store.Change{
			{OrderID: buy.ID, From: order.StatusMatched, To: order.StatusSettled, SettlementTx: rec.TxID},
			{OrderID: sell.ID, From: order.StatusMatched, To: order.StatusSettled, SettlementTx: rec.TxID},
		},
		Match:      &res,
		Settlement: &rec,
	}, buy, sell)
	unlock()
	if err != nil {
		return err
	}
	m.notify(done)
	return nil
}

// FailSettlement records a rejected settlement attempt. While retries remain
// both orders stay matched and only the attempt count moves. Once exhausted
// both orders expire and the match is marked void.
func (m *Machine) FailSettlement(matchID string, exhausted bool) (order.MatchResult, error) {
	res, err := m.store.GetMatch(matchID)
	if err != nil {
		return order.MatchResult{}, err
	}
	if res.Void {
		return res, fmt.Errorf("%w: match %s is void", order.ErrIllegalTransition, matchID)
	}

	unlock := m.locks.lock(res.BuyOrderID, res.SellOrderID)
	buy, sell, err := m.matchedPair(res)
	if err != nil {
		unlock()
		return order.MatchResult{}, err
	}

	to := order.StatusMatched
	txn := store.Txn{Match: &res}
	if exhausted {
		to = order.StatusExpired
		res.Void = true
		txn.Changes = []store.Change{
			{OrderID: buy.ID, From: order.StatusMatched, To: to},
			{OrderID: sell.ID, From: order.StatusMatched, To: to},
		}
	} else {
		res.Attempts++
	}
	if !m.table.Permits(order.StatusMatched, EventSettlementFailed, to) {
		unlock()
		return order.MatchResult{}, fmt.Errorf("%w: %s on matched", order.ErrIllegalTransition, EventSettlementFailed)
	}

	done, err := m.apply(EventSettlementFailed, txn, buy, sell)
	unlock()
	if err != nil {
		return order.MatchResult{}, err
	}
	m.notify(done)
	return res, nil
}

func (m *Machine) pair(aID, bID string) (order.Order, order.Order, error) {
	a, err := m.store.Get(aID)
	if err != nil {
		return order.Order{}, order.Order{}, err
	}
	b, err := m.store.Get(bID)
	if err != nil {
		return order.Order{}, order.Order{}, err
	}
	return a, b, nil
}

func (m *Machine) matchedPair(res order.MatchResult) (order.Order, order.Order, error) {
	buy, sell, err := m.pair(res.BuyOrderID, res.SellOrderID)
	if err != nil {
		return order.Order{}, order.Order{}, err
	}
	for _, o := range []order.Order{buy, sell} {
		if o.Status != order.StatusMatched || o.MatchID != res.ID {
			return order.Order{}, order.Order{}, fmt.Errorf("%w: order %s is %s for match %q", order.ErrConcurrencyConflict, o.ID, o.Status, o.MatchID)
		}
	}
	return buy, sell, nil
}

// apply validates txn against the table, commits it and returns the
// transitions to publish. Callers hold the locks of every order in txn.
func (m *Machine) apply(ev Event, txn store.Txn, before ...order.Order) ([]Transition, error) {
	for _, ch := range txn.Changes {
		if !m.table.Permits(ch.From, ev, ch.To) {
			return nil, fmt.Errorf("%w: %s on %s -> %s", order.ErrIllegalTransition, ev, ch.From, ch.To)
		}
	}
	if err := m.store.Commit(txn); err != nil {
		if !errors.Is(err, order.ErrConcurrencyConflict) {
			m.log.Errorw("commit_failed", "event", ev, "err", err)
		}
		return nil, err
	}

	at := m.clock.Now()
	byID := make(map[string]order.Order, len(before))
	for _, o := range before {
		byID[o.ID] = o
	}
	out := make([]Transition, 0, len(txn.Changes))
	for _, ch := range txn.Changes {
		o := byID[ch.OrderID]
		tr := Transition{
			OrderID:      ch.OrderID,
			Side:         o.Side,
			Submitter:    o.Submitter,
			From:         ch.From,
			To:           ch.To,
			Event:        ev,
			MatchID:      ch.MatchID,
			SettlementTx: ch.SettlementTx,
			At:           at,
		}
		if tr.MatchID == "" {
			tr.MatchID = o.MatchID
		}
		out = append(out, tr)
		if m.journal != nil {
			m.journal.Append(fmt.Sprintf("%s order=%s event=%s %s->%s match=%s",
				at.UTC().Format(time.RFC3339Nano), tr.OrderID, ev, tr.From, tr.To, tr.MatchID))
		}
	}
	return out, nil
}

func (m *Machine) notify(ts []Transition) {
	m.lmu.RLock()
	ls := m.listeners
	m.lmu.RUnlock()
	for _, tr := range ts {
		m.log.Debugw("order_transition", "order_id", tr.OrderID, "event", tr.Event, "from", tr.From, "to", tr.To)
		for _, fn := range ls {
			fn(tr)
		}
	}
}
