package cluster_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/diskreg/internal/cluster"
	"github.com/dreamware/diskreg/internal/cluster/clustertest"
)

func localNode(port int) cluster.NodeIdentity {
	return cluster.NodeIdentity{Host: "127.0.0.1", Port: port}
}

func TestDiscoverMergesEveryReachableView(t *testing.T) {
	self := localNode(5558)
	tr := clustertest.NewTransport()
	// 5555 knows 5556; 5556 is down; 5557 knows an extra node on 5560.
	tr.SetView(localNode(5555), localNode(5556))
	tr.SetView(localNode(5557), localNode(5555), localNode(5560))

	reg := cluster.NewRegistry(self)
	answered := cluster.Discover(context.Background(), tr, reg, 5555, nil)

	assert.Equal(t, 2, answered)
	assert.Equal(t, []cluster.NodeIdentity{
		localNode(5555), localNode(5556), localNode(5557), localNode(5558), localNode(5560),
	}, reg.Snapshot())

	// Candidates are contacted in increasing port order, self excluded
	var ports []int
	for _, c := range tr.Calls() {
		assert.Equal(t, clustertest.OpJoin, c.Op)
		ports = append(ports, c.Peer.Port)
	}
	assert.Equal(t, []int{5555, 5556, 5557}, ports)
}

func TestDiscoverLeaderContactsNobody(t *testing.T) {
	tr := clustertest.NewTransport()
	reg := cluster.NewRegistry(localNode(5555))

	assert.Equal(t, 0, cluster.Discover(context.Background(), tr, reg, 5555, nil))
	assert.Empty(t, tr.Calls())
	assert.Equal(t, 1, reg.Len())
}

func TestDiscoverRegistersCallerWithResponder(t *testing.T) {
	tr := clustertest.NewTransport(localNode(5555))
	reg := cluster.NewRegistry(localNode(5556))

	cluster.Discover(context.Background(), tr, reg, 5555, nil)

	// The responder's view now includes the caller
	view, err := tr.Probe(context.Background(), localNode(5555))
	assert.NoError(t, err)
	assert.Contains(t, view.Members, localNode(5556))
}

func TestDiscoverStopsWhenContextCancelled(t *testing.T) {
	tr := clustertest.NewTransport(localNode(5555))
	reg := cluster.NewRegistry(localNode(5560))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, cluster.Discover(ctx, tr, reg, 5555, nil))
	assert.Empty(t, tr.Calls())
}
