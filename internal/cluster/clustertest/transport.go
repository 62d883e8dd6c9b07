// Package clustertest provides an in-memory cluster.Transport for tests.
package clustertest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/diskreg/internal/cluster"
	"github.com/dreamware/diskreg/internal/protocol"
)

// Operation names recorded in Call.Op.
const (
	OpJoin           = "join"
	OpProbe          = "probe"
	OpReplicateWrite = "replicate"
	OpReadValue      = "read"
)

// Call records one RPC issued through Transport.
type Call struct {
	Op   string
	Text string
	Peer cluster.NodeIdentity
	ID   int64
}

// Transport simulates a set of peers. Peers are reachable once they have a
// membership view (SetView) or stored data, and until SetDown is called.
type Transport struct {
	views  map[cluster.NodeIdentity][]cluster.NodeIdentity
	stores map[cluster.NodeIdentity]map[int64][]byte
	down   map[cluster.NodeIdentity]error
	calls  []Call
	mu     sync.Mutex
}

var _ cluster.Transport = (*Transport)(nil)

// NewTransport returns a Transport with no known peers.
func NewTransport(peers ...cluster.NodeIdentity) *Transport {
	t := &Transport{
		views:  make(map[cluster.NodeIdentity][]cluster.NodeIdentity),
		stores: make(map[cluster.NodeIdentity]map[int64][]byte),
		down:   make(map[cluster.NodeIdentity]error),
	}
	for _, p := range peers {
		t.views[p] = []cluster.NodeIdentity{p}
	}
	return t
}

// SetView makes peer reachable with the given membership view. The peer is
// always part of its own view.
func (t *Transport) SetView(peer cluster.NodeIdentity, members ...cluster.NodeIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	view := []cluster.NodeIdentity{peer}
	for _, m := range members {
		if m != peer {
			view = append(view, m)
		}
	}
	t.views[peer] = view
}

// SetDown makes every RPC to peer fail with err. A nil err fails with an
// ErrPeerUnreachable-marked error.
func (t *Transport) SetDown(peer cluster.NodeIdentity, err error) {
	if err == nil {
		err = errors.Mark(errors.Newf("dial %s: connection refused", peer), cluster.ErrPeerUnreachable)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[peer] = err
}

// SetUp clears a previous SetDown.
func (t *Transport) SetUp(peer cluster.NodeIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.down, peer)
}

// Put stores value on peer as if a replica write had succeeded.
func (t *Transport) Put(peer cluster.NodeIdentity, id int64, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeLocked(peer)[id] = append([]byte(nil), value...)
}

// Stored returns the value held by peer for id.
func (t *Transport) Stored(peer cluster.NodeIdentity, id int64) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.stores[peer][id]
	return v, ok
}

// Calls returns a copy of every recorded call in order.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallCount returns the number of recorded calls of op.
func (t *Transport) CallCount(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// Join implements cluster.Transport. The responder adds self to its view.
func (t *Transport) Join(_ context.Context, peer, self cluster.NodeIdentity) (cluster.MembershipSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: OpJoin, Peer: peer})
	if err := t.failLocked(peer); err != nil {
		return cluster.MembershipSnapshot{}, err
	}
	view := t.views[peer]
	found := false
	for _, m := range view {
		if m == self {
			found = true
		}
	}
	if !found {
		view = append(view, self)
		t.views[peer] = view
	}
	return cluster.MembershipSnapshot{Members: append([]cluster.NodeIdentity(nil), view...)}, nil
}

// Probe implements cluster.Transport.
func (t *Transport) Probe(_ context.Context, peer cluster.NodeIdentity) (cluster.MembershipSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: OpProbe, Peer: peer})
	if err := t.failLocked(peer); err != nil {
		return cluster.MembershipSnapshot{}, err
	}
	return cluster.MembershipSnapshot{Members: append([]cluster.NodeIdentity(nil), t.views[peer]...)}, nil
}

// ReplicateWrite implements cluster.Transport.
func (t *Transport) ReplicateWrite(_ context.Context, peer cluster.NodeIdentity, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: OpReplicateWrite, Peer: peer, Text: text})
	if err := t.failLocked(peer); err != nil {
		return err
	}
	cmd, err := protocol.Parse(text)
	if err != nil || cmd.Kind != protocol.KindSet {
		return errors.Mark(errors.Newf("bad replicate payload %q", text), cluster.ErrPeerRejected)
	}
	t.storeLocked(peer)[cmd.ID] = []byte(cmd.Value)
	return nil
}

// ReadValue implements cluster.Transport.
func (t *Transport) ReadValue(_ context.Context, peer cluster.NodeIdentity, id int64) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: OpReadValue, Peer: peer, ID: id})
	if err := t.failLocked(peer); err != nil {
		return nil, false, err
	}
	v, ok := t.stores[peer][id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *Transport) failLocked(peer cluster.NodeIdentity) error {
	if err, ok := t.down[peer]; ok {
		return err
	}
	_, known := t.views[peer]
	_, stores := t.stores[peer]
	if !known && !stores {
		return errors.Mark(errors.Newf("dial %s: connection refused", peer), cluster.ErrPeerUnreachable)
	}
	return nil
}

func (t *Transport) storeLocked(peer cluster.NodeIdentity) map[int64][]byte {
	s, ok := t.stores[peer]
	if !ok {
		s = make(map[int64][]byte)
		t.stores[peer] = s
	}
	return s
}
