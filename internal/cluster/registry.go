package cluster

import (
	"cmp"
	"sync"

	"golang.org/x/exp/slices"
)

// Registry is the local membership set of a node. The local identity is
// added at construction and can never be removed.
//
// Thread safety: all methods may be called concurrently from discovery,
// join handling, health checking and replication. The lock is never held
// while calling out of the registry.
type Registry struct {
	members map[NodeIdentity]struct{}
	self    NodeIdentity
	mu      sync.RWMutex
}

// NewRegistry creates a registry containing only self.
func NewRegistry(self NodeIdentity) *Registry {
	return &Registry{
		self:    self,
		members: map[NodeIdentity]struct{}{self: {}},
	}
}

// Self returns the local identity.
func (r *Registry) Self() NodeIdentity {
	return r.self
}

// Add inserts node.
//
// Returns:
//   - true when node was not a member before
//   - false when it already was, or when node is not Valid
//
// Example:
//
//	if reg.Add(joiner) {
//		logger.Info("node joined", "node", joiner)
//	}
func (r *Registry) Add(node NodeIdentity) bool {
	if !node.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[node]; ok {
		return false
	}
	r.members[node] = struct{}{}
	return true
}

// AddAll merges nodes into the registry and returns how many were new.
func (r *Registry) AddAll(nodes []NodeIdentity) int {
	added := 0
	for _, n := range nodes {
		if r.Add(n) {
			added++
		}
	}
	return added
}

// Remove deletes node and reports whether it was a member. Removing self is
// a no-op that returns false, so the health monitor can never evict the
// local node.
func (r *Registry) Remove(node NodeIdentity) bool {
	if node == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[node]; !ok {
		return false
	}
	delete(r.members, node)
	return true
}

// Contains reports whether node is currently a member.
func (r *Registry) Contains(node NodeIdentity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[node]
	return ok
}

// Len returns the number of members, self included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Snapshot returns a point-in-time copy of the membership ordered by host
// then port. The copy is owned by the caller.
func (r *Registry) Snapshot() []NodeIdentity {
	r.mu.RLock()
	out := make([]NodeIdentity, 0, len(r.members))
	for n := range r.members {
		out = append(out, n)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, compareNodes)
	return out
}

// Peers returns Snapshot without the local identity. On the leader these
// are the replication candidates, in host then port order.
func (r *Registry) Peers() []NodeIdentity {
	snap := r.Snapshot()
	return slices.DeleteFunc(snap, func(n NodeIdentity) bool { return n == r.self })
}

func compareNodes(a, b NodeIdentity) int {
	if c := cmp.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}
