package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
)

// PebbleStore persists the order store. Every store commit becomes one
// Pebble batch, so a pair transition and its match result land together.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Apply writes the batch atomically with fsync.
func (s *PebbleStore) Apply(b store.Batch) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, o := range b.Orders {
		data, err := encodeJSON(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order: %w", err)
		}
		if err := batch.Set(orderKey(o.Seq), data, nil); err != nil {
			return fmt.Errorf("failed to stage order: %w", err)
		}
	}
	for _, m := range b.Matches {
		data, err := encodeJSON(m)
		if err != nil {
			return fmt.Errorf("failed to marshal match: %w", err)
		}
		if err := batch.Set(matchKey(m.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage match: %w", err)
		}
	}
	for _, r := range b.Settlements {
		data, err := encodeJSON(r)
		if err != nil {
			return fmt.Errorf("failed to marshal settlement: %w", err)
		}
		if err := batch.Set(settlementKey(r.MatchID), data, nil); err != nil {
			return fmt.Errorf("failed to stage settlement: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// LoadOrders returns every order in submission order.
func (s *PebbleStore) LoadOrders() ([]order.Order, error) {
	var out []order.Order
	err := s.scan([]byte(prefixOrder), func(_, v []byte) error {
		var o order.Order
		if err := decodeJSON(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadMatches() ([]order.MatchResult, error) {
	var out []order.MatchResult
	err := s.scan([]byte(prefixMatch), func(_, v []byte) error {
		var m order.MatchResult
		if err := decodeJSON(v, &m); err != nil {
			return fmt.Errorf("failed to unmarshal match: %w", err)
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadSettlements() ([]order.SettlementRecord, error) {
	var out []order.SettlementRecord
	err := s.scan([]byte(prefixSettlement), func(_, v []byte) error {
		var r order.SettlementRecord
		if err := decodeJSON(v, &r); err != nil {
			return fmt.Errorf("failed to unmarshal settlement: %w", err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *PebbleStore) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ store.Backend = (*PebbleStore)(nil)
