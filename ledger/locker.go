package ledger

import (
	"sort"
	"sync"
)

// locker hands out per-account mutexes. Entries are dropped when the last
// holder releases them so the map does not grow with every account seen.
type locker struct {
	mu    sync.Mutex
	locks map[AccountID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLocker() *locker {
	return &locker{locks: make(map[AccountID]*lockEntry)}
}

// acquire locks ids in sorted order and returns the release func.
// Sorting keeps two multi-account callers from deadlocking each other.
func (l *locker) acquire(ids []AccountID) func() {
	ids = uniqueSorted(ids)
	entries := make([]*lockEntry, len(ids))

	l.mu.Lock()
	for i, id := range ids {
		e, ok := l.locks[id]
		if !ok {
			e = &lockEntry{}
			l.locks[id] = e
		}
		e.refs++
		entries[i] = e
	}
	l.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, id := range ids {
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(l.locks, id)
			}
		}
		l.mu.Unlock()
	}
}

func uniqueSorted(ids []AccountID) []AccountID {
	seen := make(map[AccountID]bool, len(ids))
	out := make([]AccountID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
