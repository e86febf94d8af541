package lifecycle

import (
	"slices"
	"sync"
)

// keyLocks hands out one mutex per order id. Entries are reference counted
// and dropped once nobody holds or waits on them.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*keyLock)}
}

// lock acquires every id in sorted order, so two callers locking the same
// pair can never deadlock. The returned func releases them.
func (k *keyLocks) lock(ids ...string) func() {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*keyLock, 0, len(ids))
	for _, id := range ids {
		k.mu.Lock()
		l, ok := k.m[id]
		if !ok {
			l = &keyLock{}
			k.m[id] = l
		}
		l.refs++
		k.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.m, ids[i])
			}
			k.mu.Unlock()
		}
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
