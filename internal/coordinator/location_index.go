package coordinator

import (
	"sync"

	"github.com/dreamware/diskreg/internal/cluster"
)

// LocationIndex records, per message id, the followers that acknowledged the
// most recent successful write of that id.
//
// Entries are replaced wholesale on every successful write and are never
// pruned on eviction; readers filter holders against the current membership
// instead. A failed write leaves the previous entry in place.
//
// Thread Safety:
// All methods are safe for concurrent use. Slices passed in and returned are
// copies.
type LocationIndex struct {
	holders map[int64][]cluster.NodeIdentity
	mu      sync.RWMutex
}

// NewLocationIndex returns an empty index.
func NewLocationIndex() *LocationIndex {
	return &LocationIndex{
		holders: make(map[int64][]cluster.NodeIdentity),
	}
}

// Put replaces the holder list for id.
func (l *LocationIndex) Put(id int64, holders []cluster.NodeIdentity) {
	stored := make([]cluster.NodeIdentity, len(holders))
	copy(stored, holders)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.holders[id] = stored
}

// Get returns the holders recorded for id, in acknowledgement order.
func (l *LocationIndex) Get(id int64) ([]cluster.NodeIdentity, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	holders, ok := l.holders[id]
	if !ok {
		return nil, false
	}
	out := make([]cluster.NodeIdentity, len(holders))
	copy(out, holders)
	return out, true
}

// Len returns the number of tracked ids.
func (l *LocationIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.holders)
}
