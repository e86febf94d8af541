// Package store is the single source of truth for sealed orders, match
// results and settlement records.
//
// All writes after submission go through Commit, which applies a set of
// compare-and-swap status changes together with an optional match or
// settlement record. Either every change lands or none does.
package store

import (
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/util"
)

// Batch is the unit handed to a Backend. It holds full snapshots of every
// record touched by one commit.
type Batch struct {
	Orders      []order.Order
	Matches     []order.MatchResult
	Settlements []order.SettlementRecord
}

// Backend persists batches atomically. The in-memory index is rebuilt from
// it by Load.
type Backend interface {
	Apply(b Batch) error
	LoadOrders() ([]order.Order, error)
	LoadMatches() ([]order.MatchResult, error)
	LoadSettlements() ([]order.SettlementRecord, error)
}

// Change moves one order from an expected status to a new one.
type Change struct {
	OrderID      string
	From         order.Status
	To           order.Status
	MatchID      string // set on the transition into matched
	SettlementTx string // set on the transition into settled
}

// Txn is applied atomically by Commit.
type Txn struct {
	Changes    []Change
	Match      *order.MatchResult // inserted or replaced
	Settlement *order.SettlementRecord
}

type Store struct {
	mu sync.RWMutex

	orders map[string]*order.Order
	bySeq  []string // ids in submission order
	seq    uint64

	matches     map[string]*order.MatchResult
	matchSeq    []string
	settlements map[string]order.SettlementRecord

	backend Backend
	clock   util.Clock
}

type Option func(*Store)

func WithBackend(b Backend) Option  { return func(s *Store) { s.backend = b } }
func WithClock(c util.Clock) Option { return func(s *Store) { s.clock = c } }

func New(opts ...Option) *Store {
	s := &Store{
		orders:      make(map[string]*order.Order),
		matches:     make(map[string]*order.MatchResult),
		settlements: make(map[string]order.SettlementRecord),
		clock:       util.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load rebuilds the index from the backend. Call once before use.
func (s *Store) Load() error {
	if s.backend == nil {
		return nil
	}
	orders, err := s.backend.LoadOrders()
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	matches, err := s.backend.LoadMatches()
	if err != nil {
		return fmt.Errorf("failed to load matches: %w", err)
	}
	settlements, err := s.backend.LoadSettlements()
	if err != nil {
		return fmt.Errorf("failed to load settlements: %w", err)
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range orders {
		o := orders[i]
		s.orders[o.ID] = &o
		s.bySeq = append(s.bySeq, o.ID)
		if o.Seq > s.seq {
			s.seq = o.Seq
		}
	}
	for i := range matches {
		m := matches[i]
		s.matches[m.ID] = &m
		s.matchSeq = append(s.matchSeq, m.ID)
	}
	for _, r := range settlements {
		s.settlements[r.MatchID] = r
	}
	return nil
}

// Submit stores a new pending order. An empty ID is assigned a UUID and a
// zero SubmittedAt is stamped from the store clock.
func (s *Store) Submit(o order.Order) (order.Order, error) {
	if o.Status == 0 {
		o.Status = order.StatusPending
	}
	if o.Status != order.StatusPending {
		return order.Order{}, fmt.Errorf("%w: new orders must be pending, got %s", order.ErrValidation, o.Status)
	}
	if err := o.Validate(); err != nil {
		return order.Order{}, err
	}
	o = o.Clone()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, fmt.Errorf("%w: order %s", order.ErrDuplicateID, o.ID)
	}
	now := s.clock.Now()
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = now
	}
	o.UpdatedAt = now
	o.Seq = s.seq + 1
	o.MatchID, o.SettlementTx = "", ""

	if s.backend != nil {
		if err := s.backend.Apply(Batch{Orders: []order.Order{o}}); err != nil {
			return order.Order{}, fmt.Errorf("failed to persist order: %w", err)
		}
	}
	s.seq = o.Seq
	s.orders[o.ID] = &o
	s.bySeq = append(s.bySeq, o.ID)
	return o.Clone(), nil
}

func (s *Store) Get(id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: order %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

// Scan yields orders in submission order for which keep returns true. The
// predicate is evaluated against each order's state at the moment it is
// reached, so a sequence can be ranged over again to see fresh state.
func (s *Store) Scan(keep func(order.Order) bool) iter.Seq[order.Order] {
	return func(yield func(order.Order) bool) {
		for i := 0; ; i++ {
			s.mu.RLock()
			if i >= len(s.bySeq) {
				s.mu.RUnlock()
				return
			}
			o := *s.orders[s.bySeq[i]]
			s.mu.RUnlock()

			if !keep(o) {
				continue
			}
			if !yield(o.Clone()) {
				return
			}
		}
	}
}

// ListPending yields orders that are pending when reached, oldest first.
func (s *Store) ListPending() iter.Seq[order.Order] {
	return s.Scan(func(o order.Order) bool { return o.Status == order.StatusPending })
}

// ListBySubmitter yields every order owned by addr, oldest first.
func (s *Store) ListBySubmitter(addr common.Address) iter.Seq[order.Order] {
	return s.Scan(func(o order.Order) bool { return o.Submitter == addr })
}

// Commit applies txn atomically. Every change's From must match the current
// status, otherwise nothing is written and ErrConcurrencyConflict is returned.
func (s *Store) Commit(txn Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var batch Batch
	updated := make(map[string]order.Order, len(txn.Changes))

	for _, ch := range txn.Changes {
		cur, ok := s.orders[ch.OrderID]
		if !ok {
			return fmt.Errorf("%w: order %s", order.ErrNotFound, ch.OrderID)
		}
		if _, dup := updated[ch.OrderID]; dup {
			return fmt.Errorf("%w: order %s changed twice in one commit", order.ErrValidation, ch.OrderID)
		}
		if cur.Status != ch.From {
			return fmt.Errorf("%w: order %s is %s, expected %s", order.ErrConcurrencyConflict, ch.OrderID, cur.Status, ch.From)
		}
		next := cur.Clone()
		next.Status = ch.To
		next.UpdatedAt = now
		if ch.MatchID != "" {
			next.MatchID = ch.MatchID
		}
		if ch.SettlementTx != "" {
			next.SettlementTx = ch.SettlementTx
		}
		updated[ch.OrderID] = next
		batch.Orders = append(batch.Orders, next)
	}

	var isNewMatch bool
	if txn.Match != nil {
		_, exists := s.matches[txn.Match.ID]
		isNewMatch = !exists
		batch.Matches = append(batch.Matches, *txn.Match)
	}
	if txn.Settlement != nil {
		if _, exists := s.settlements[txn.Settlement.MatchID]; exists {
			return fmt.Errorf("%w: match %s already settled", order.ErrConcurrencyConflict, txn.Settlement.MatchID)
		}
		if _, ok := s.matches[txn.Settlement.MatchID]; !ok && (txn.Match == nil || txn.Match.ID != txn.Settlement.MatchID) {
			return fmt.Errorf("%w: match %s", order.ErrNotFound, txn.Settlement.MatchID)
		}
		batch.Settlements = append(batch.Settlements, *txn.Settlement)
	}

	if s.backend != nil {
		if err := s.backend.Apply(batch); err != nil {
			return fmt.Errorf("failed to persist commit: %w", err)
		}
	}

	for id, o := range updated {
		o := o
		s.orders[id] = &o
	}
	if txn.Match != nil {
		m := *txn.Match
		s.matches[m.ID] = &m
		if isNewMatch {
			s.matchSeq = append(s.matchSeq, m.ID)
		}
	}
	if txn.Settlement != nil {
		s.settlements[txn.Settlement.MatchID] = *txn.Settlement
	}
	return nil
}

func (s *Store) GetMatch(id string) (order.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return order.MatchResult{}, fmt.Errorf("%w: match %s", order.ErrNotFound, id)
	}
	return *m, nil
}

// Matches returns the match results accepted by keep, in creation order.
func (s *Store) Matches(keep func(order.MatchResult) bool) []order.MatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.MatchResult
	for _, id := range s.matchSeq {
		m := *s.matches[id]
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// Unsettled returns non-void matches with no settlement record yet.
func (s *Store) Unsettled() []order.MatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.MatchResult
	for _, id := range s.matchSeq {
		m := s.matches[id]
		if m.Void {
			continue
		}
		if _, done := s.settlements[id]; done {
			continue
		}
		out = append(out, *m)
	}
	return out
}

func (s *Store) GetSettlement(matchID string) (order.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.settlements[matchID]
	if !ok {
		return order.SettlementRecord{}, fmt.Errorf("%w: settlement for match %s", order.ErrNotFound, matchID)
	}
	return r, nil
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Orders      int
	ByStatus    map[order.Status]int
	Matches     int
	VoidMatches int
	Settlements int
	Volume      decimal.Decimal // settled notional
	Fees        decimal.Decimal
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Orders:      len(s.orders),
		ByStatus:    make(map[order.Status]int, len(order.Statuses)),
		Matches:     len(s.matches),
		Settlements: len(s.settlements),
		Volume:      decimal.Zero,
		Fees:        decimal.Zero,
	}
	for _, o := range s.orders {
		st.ByStatus[o.Status]++
	}
	for _, m := range s.matches {
		if m.Void {
			st.VoidMatches++
		}
	}
	for _, r := range s.settlements {
		st.Volume = st.Volume.Add(r.Notional)
		st.Fees = st.Fees.Add(r.Fee)
	}
	return st
}
