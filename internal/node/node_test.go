package node

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lni/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/diskreg/internal/config"
)

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, basePort int) config.Config {
	cfg := config.Default()
	cfg.BasePort = basePort
	cfg.ClientPort = freePort(t)
	cfg.HealthInterval = 50 * time.Millisecond
	cfg.RPCTimeout = time.Second
	cfg.StatusInterval = 20 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, cfg config.Config, fs vfs.FS) *Node {
	t.Helper()
	n, err := Start(context.Background(), Options{Config: cfg, FS: fs})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestStartElectsLeaderByBasePort(t *testing.T) {
	fs := vfs.NewMem()
	cfg := testConfig(t, freePort(t))

	leader := startNode(t, cfg, fs)
	follower := startNode(t, cfg, fs)

	assert.True(t, leader.IsLeader())
	assert.Equal(t, cfg.BasePort, leader.Self().Port)
	assert.NotNil(t, leader.Coordinator())
	assert.Nil(t, leader.Store())
	assert.NotNil(t, leader.ClientAddr())

	assert.False(t, follower.IsLeader())
	assert.Greater(t, follower.Self().Port, cfg.BasePort)
	assert.Nil(t, follower.Coordinator())
	assert.Nil(t, follower.ClientAddr())
	require.NotNil(t, follower.Store())
	assert.Equal(t, fs.PathJoin(cfg.DataDir, follower.Self().DirName()), follower.Store().Dir())

	// Discovery registered each side with the other
	assert.True(t, leader.Registry().Contains(follower.Self()))
	assert.True(t, follower.Registry().Contains(leader.Self()))
}

func TestStartLoadsToleranceFromFile(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("tolerance.conf")
	require.NoError(t, err)
	_, err = f.Write([]byte("tolerance=3\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	leader := startNode(t, testConfig(t, freePort(t)), fs)
	assert.Equal(t, 3, leader.Coordinator().Tolerance())
}

func TestFollowersDiscoverEachOther(t *testing.T) {
	fs := vfs.NewMem()
	cfg := testConfig(t, freePort(t))

	leader := startNode(t, cfg, fs)
	first := startNode(t, cfg, fs)
	second := startNode(t, cfg, fs)

	for _, n := range []*Node{leader, first, second} {
		assert.Equal(t, 3, n.Registry().Len(), "members of %s", n.Self())
	}
}

// TestClosedFollowerIsEvicted verifies the leader drops a follower whose
// RPC server went away
func TestClosedFollowerIsEvicted(t *testing.T) {
	fs := vfs.NewMem()
	cfg := testConfig(t, freePort(t))

	leader := startNode(t, cfg, fs)
	follower := startNode(t, cfg, fs)
	require.True(t, leader.Registry().Contains(follower.Self()))

	require.NoError(t, follower.Close())
	assert.NoError(t, follower.Close())

	require.Eventually(t, func() bool {
		return !leader.Registry().Contains(follower.Self())
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, leader.Health().Evictions(), uint64(1))
}

func TestListenFirstFreeSkipsBoundPorts(t *testing.T) {
	base := freePort(t)
	taken, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base)))
	require.NoError(t, err)
	defer taken.Close()

	ln, err := listenFirstFree("127.0.0.1", base)
	require.NoError(t, err)
	defer ln.Close()
	assert.Greater(t, ln.Addr().(*net.TCPAddr).Port, base)
}
