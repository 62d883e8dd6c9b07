package coordinator

import (
	"sync/atomic"

	"github.com/dreamware/diskreg/internal/cluster"
)

// RoundRobin picks replica targets by walking the candidate list from a
// cursor that advances by k on every selection. Over N selections of k
// targets from a stable set of M candidates, each candidate is picked
// ⌊N·k/M⌋ or ⌈N·k/M⌉ times.
//
// The cursor is a single atomic counter, so concurrent writers each claim a
// disjoint window without a lock.
type RoundRobin struct {
	cursor atomic.Uint64
}

// Select returns k distinct candidates starting at the cursor, wrapping
// around. It returns nil when k exceeds the number of candidates or is not
// positive; the cursor only advances on a successful selection.
func (r *RoundRobin) Select(candidates []cluster.NodeIdentity, k int) []cluster.NodeIdentity {
	n := len(candidates)
	if k <= 0 || k > n {
		return nil
	}
	start := r.cursor.Add(uint64(k)) - uint64(k)

	targets := make([]cluster.NodeIdentity, 0, k)
	for i := 0; i < k; i++ {
		targets = append(targets, candidates[(start+uint64(i))%uint64(n)])
	}
	return targets
}
