package integration

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lni/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/diskreg/internal/cluster"
	"github.com/dreamware/diskreg/internal/config"
	"github.com/dreamware/diskreg/internal/node"
)

// TestSystem is an in-process cluster: one leader and a set of followers
// sharing an in-memory filesystem.
type TestSystem struct {
	t         *testing.T
	fs        vfs.FS
	cfg       config.Config
	leader    *node.Node
	followers []*node.Node
}

// NewTestSystem starts a leader with the given tolerance and the given
// number of followers.
func NewTestSystem(t *testing.T, tolerance, followers int) *TestSystem {
	t.Helper()
	fs := vfs.NewMem()
	f, err := fs.Create("tolerance.conf")
	require.NoError(t, err)
	_, err = f.Write([]byte("tolerance=" + strconv.Itoa(tolerance) + "\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg := config.Default()
	cfg.BasePort = freePort(t)
	cfg.ClientPort = freePort(t)
	cfg.HealthInterval = 50 * time.Millisecond
	cfg.RPCTimeout = time.Second
	cfg.StatusInterval = 0

	ts := &TestSystem{t: t, fs: fs, cfg: cfg}
	ts.leader = ts.StartNode()
	require.True(t, ts.leader.IsLeader())
	for i := 0; i < followers; i++ {
		ts.followers = append(ts.followers, ts.StartNode())
	}
	return ts
}

// StartNode starts one more node against the shared configuration.
func (ts *TestSystem) StartNode() *node.Node {
	ts.t.Helper()
	n, err := node.Start(context.Background(), node.Options{Config: ts.cfg, FS: ts.fs})
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { n.Close() })
	return n
}

// Dial opens a client connection to the leader.
func (ts *TestSystem) Dial() *Client {
	ts.t.Helper()
	conn, err := net.Dial("tcp", ts.leader.ClientAddr().String())
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { conn.Close() })
	return &Client{t: ts.t, conn: conn, reader: bufio.NewReader(conn)}
}

// WaitEvicted waits until the leader no longer lists n.
func (ts *TestSystem) WaitEvicted(n *node.Node) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return !ts.leader.Registry().Contains(n.Self())
	}, 5*time.Second, 10*time.Millisecond)
}

// Client speaks the line protocol.
type Client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// Do sends one request line and returns the reply line.
func (c *Client) Do(line string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(reply, "\n")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestReplicatedRegister(t *testing.T) {
	ts := NewTestSystem(t, 2, 2)
	c := ts.Dial()

	t.Run("set and get", func(t *testing.T) {
		assert.Equal(t, "OK SET 1", c.Do("SET 1 hello world"))
		assert.Equal(t, "VALUE 1 hello world", c.Do("GET 1"))
	})

	t.Run("every holder stored the value", func(t *testing.T) {
		holders, ok := ts.leader.Coordinator().Locations(1)
		require.True(t, ok)
		require.Len(t, holders, 2)
		for _, f := range ts.followers {
			value, found := f.Store().Read(1)
			require.True(t, found, "follower %s", f.Self())
			assert.Equal(t, []byte("hello world"), value)
		}
	})

	t.Run("record file holds the raw value", func(t *testing.T) {
		f := ts.followers[0]
		file, err := ts.fs.Open(ts.fs.PathJoin(f.Store().Dir(), "1.txt"))
		require.NoError(t, err)
		defer file.Close()
		content, err := bufio.NewReader(file).ReadString('\n')
		assert.Error(t, err) // no trailing newline
		assert.Equal(t, "hello world", content)
	})

	t.Run("overwrite", func(t *testing.T) {
		assert.Equal(t, "OK SET 1", c.Do("SET 1 second"))
		assert.Equal(t, "VALUE 1 second", c.Do("GET 1"))
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.Equal(t, "NOT_FOUND 42", c.Do("GET 42"))
	})

	t.Run("malformed requests keep the session", func(t *testing.T) {
		assert.Equal(t, "ERROR Invalid ID", c.Do("SET abc oops"))
		assert.Equal(t, "ERROR Missing arguments", c.Do("GET"))
		assert.Equal(t, "ERROR Unknown command", c.Do("PING"))
		assert.Equal(t, "VALUE 1 second", c.Do("GET 1"))
	})

	t.Run("concurrent clients", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn, err := net.Dial("tcp", ts.leader.ClientAddr().String())
				if !assert.NoError(t, err) {
					return
				}
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(5 * time.Second))
				r := bufio.NewReader(conn)
				id := strconv.Itoa(100 + i)

				conn.Write([]byte("SET " + id + " v" + id + "\n"))
				reply, _ := r.ReadString('\n')
				assert.Equal(t, "OK SET "+id+"\n", reply)

				conn.Write([]byte("GET " + id + "\n"))
				reply, _ = r.ReadString('\n')
				assert.Equal(t, "VALUE "+id+" v"+id+"\n", reply)
			}(i)
		}
		wg.Wait()
	})
}

func TestQuorumNotReachedWithTooFewFollowers(t *testing.T) {
	ts := NewTestSystem(t, 2, 1)
	c := ts.Dial()

	assert.Equal(t, "ERROR Quorum not reached", c.Do("SET 1 x"))
	assert.Equal(t, "NOT_FOUND 1", c.Do("GET 1"))
	assert.Equal(t, 0, ts.followers[0].Store().Len())
}

// TestEvictionShrinksQuorum verifies a stopped follower is evicted and that
// writes needing it then fail while reads fall back to live holders
func TestEvictionShrinksQuorum(t *testing.T) {
	ts := NewTestSystem(t, 2, 2)
	c := ts.Dial()
	require.Equal(t, "OK SET 7", c.Do("SET 7 kept"))

	gone := ts.followers[1]
	require.NoError(t, gone.Close())
	ts.WaitEvicted(gone)

	assert.Equal(t, "VALUE 7 kept", c.Do("GET 7"))
	assert.Equal(t, "ERROR Quorum not reached", c.Do("SET 8 more"))

	// The surviving follower also dropped the stopped one
	require.Eventually(t, func() bool {
		return !ts.followers[0].Registry().Contains(gone.Self())
	}, 5*time.Second, 10*time.Millisecond)
}

// TestRestartedFollowerServesStoredValues verifies a follower restarted on
// the same port reloads its records and rejoins
func TestRestartedFollowerServesStoredValues(t *testing.T) {
	ts := NewTestSystem(t, 1, 1)
	c := ts.Dial()
	require.Equal(t, "OK SET 5", c.Do("SET 5 durable"))

	old := ts.followers[0]
	require.NoError(t, old.Close())
	ts.WaitEvicted(old)
	assert.Equal(t, "NOT_FOUND 5", c.Do("GET 5"))

	restarted := ts.StartNode()
	require.Equal(t, old.Self(), restarted.Self())
	value, found := restarted.Store().Read(5)
	require.True(t, found)
	assert.Equal(t, []byte("durable"), value)

	assert.True(t, ts.leader.Registry().Contains(restarted.Self()))
	assert.Equal(t, "VALUE 5 durable", c.Do("GET 5"))
}

func TestExitClosesConnection(t *testing.T) {
	ts := NewTestSystem(t, 1, 1)
	c := ts.Dial()

	_, err := c.conn.Write([]byte("EXIT\n"))
	require.NoError(t, err)
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.reader.ReadString('\n')
	assert.Error(t, err)

	// The leader keeps serving new clients
	assert.Equal(t, "OK SET 1", ts.Dial().Do("SET 1 after exit"))
}

func TestMembershipConverges(t *testing.T) {
	ts := NewTestSystem(t, 1, 3)

	want := ts.leader.Registry().Snapshot()
	require.Len(t, want, 4)
	for _, f := range ts.followers {
		assert.Equal(t, want, f.Registry().Snapshot(), "view of %s", f.Self())
	}
	assert.Equal(t, cluster.NodeIdentity{Host: "127.0.0.1", Port: ts.cfg.BasePort}, want[0])
}
