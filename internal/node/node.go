package node

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/lni/goutils/syncutil"
	"github.com/lni/vfs"

	"github.com/dreamware/diskreg/internal/cluster"
	"github.com/dreamware/diskreg/internal/config"
	"github.com/dreamware/diskreg/internal/coordinator"
	"github.com/dreamware/diskreg/internal/server"
	"github.com/dreamware/diskreg/internal/storage"
)

// maxPortScan bounds how far above the base port a node looks for a free
// RPC port.
const maxPortScan = 1000

// shutdownTimeout bounds the graceful HTTP shutdown in Close.
const shutdownTimeout = 5 * time.Second

// Options configures Start.
type Options struct {
	Config config.Config
	// FS holds the data directory and the tolerance file. Defaults to
	// vfs.Default.
	FS vfs.FS
	// Transport overrides the HTTP transport used for outgoing RPCs.
	Transport cluster.Transport
	Logger    hclog.Logger
}

// Node is one running member: its RPC server, membership and health
// monitor, plus either the client server and coordinator (leader) or the
// replica store (follower).
type Node struct {
	cfg       config.Config
	self      cluster.NodeIdentity
	logger    hclog.Logger
	metrics   *metrics.Set
	registry  *cluster.Registry
	transport cluster.Transport
	health    *cluster.HealthMonitor
	httpSrv   *http.Server
	stopper   *syncutil.Stopper

	// leader only
	coord    *coordinator.Coordinator
	client   *server.ClientServer
	clientLn net.Listener

	// follower only
	store *storage.ReplicaStore

	closeOnce sync.Once
	closeErr  error
}

// Start binds the first free port at or above the base port and brings the
// node up. The node that binds the base port is the leader. Start returns
// once discovery has finished and every background worker is running.
func Start(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Transport == nil {
		opts.Transport = cluster.NewHTTPTransport(cfg.RPCTimeout)
	}

	ln, err := listenFirstFree(cfg.Host, cfg.BasePort)
	if err != nil {
		return nil, err
	}
	self := cluster.NodeIdentity{Host: cfg.Host, Port: ln.Addr().(*net.TCPAddr).Port}
	leader := self.Port == cfg.BasePort

	n := &Node{
		cfg:       cfg,
		self:      self,
		logger:    opts.Logger.Named(self.String()),
		metrics:   metrics.NewSet(),
		registry:  cluster.NewRegistry(self),
		transport: opts.Transport,
		stopper:   syncutil.NewStopper(),
	}
	n.metrics.NewGauge("diskreg_members", func() float64 {
		return float64(n.registry.Len())
	})

	if leader {
		tolerance := config.LoadTolerance(opts.FS, cfg.ToleranceFile, n.logger)
		n.coord, err = coordinator.New(coordinator.Config{
			Registry:   n.registry,
			Transport:  n.transport,
			Tolerance:  tolerance,
			RPCTimeout: cfg.RPCTimeout,
			Logger:     n.logger.Named("coordinator"),
			Metrics:    n.metrics,
		})
		if err != nil {
			ln.Close()
			return nil, err
		}
		n.logger.Info("starting as leader", "tolerance", tolerance)
	} else {
		n.store, err = storage.OpenReplicaStore(storage.ReplicaStoreConfig{
			FS:      opts.FS,
			Dir:     opts.FS.PathJoin(cfg.DataDir, self.DirName()),
			Logger:  n.logger.Named("store"),
			Metrics: n.metrics,
		})
		if err != nil {
			ln.Close()
			return nil, err
		}
		n.logger.Info("starting as follower", "dir", n.store.Dir(), "records", n.store.Len())
	}

	n.health = cluster.NewHealthMonitor(cluster.HealthMonitorConfig{
		Registry:  n.registry,
		Transport: n.transport,
		Logger:    n.logger.Named("health"),
		Metrics:   n.metrics,
		Interval:  cfg.HealthInterval,
		Timeout:   cfg.RPCTimeout,
	})

	svc := &Service{
		Registry:    n.registry,
		Store:       n.store,
		Coordinator: n.coord,
		Health:      n.health,
		Metrics:     n.metrics,
		Logger:      n.logger.Named("rpc"),
		StartedAt:   time.Now(),
	}
	n.httpSrv = &http.Server{
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	n.stopper.RunWorker(func() {
		n.logger.Info("rpc server listening", "addr", ln.Addr().String())
		if err := n.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("rpc server failed", "error", err)
		}
	})

	if n.coord != nil {
		clientLn, err := net.Listen("tcp", cfg.RPCAddr(cfg.ClientPort))
		if err != nil {
			n.Close()
			return nil, errors.Wrapf(err, "listen for clients on port %d", cfg.ClientPort)
		}
		n.clientLn = clientLn
		n.client = server.New(server.Config{
			Backend: n.coord,
			Logger:  n.logger.Named("client"),
			Metrics: n.metrics,
		})
		n.stopper.RunWorker(func() {
			if err := n.client.Serve(clientLn); err != nil && !errors.Is(err, server.ErrServerClosed) {
				n.logger.Error("client server failed", "error", err)
			}
		})
	}

	joined := cluster.Discover(ctx, n.transport, n.registry, cfg.BasePort, n.logger.Named("discovery"))
	n.logger.Info("discovery finished", "answered", joined, "members", n.registry.Len())

	n.health.Start()
	if cfg.StatusInterval > 0 {
		n.stopper.RunWorker(n.printStatus)
	}
	return n, nil
}

// listenFirstFree binds the first free TCP port in [base, base+maxPortScan).
// The listener is kept open so the port cannot be taken before serving.
func listenFirstFree(host string, base int) (net.Listener, error) {
	var lastErr error
	for port := base; port < base+maxPortScan && port <= 65535; port++ {
		ln, err := net.Listen("tcp", cluster.NodeIdentity{Host: host, Port: port}.Addr())
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no free port in [%d, %d)", base, base+maxPortScan)
}

// printStatus logs one status line per interval, scheduling the next line
// after the previous one.
func (n *Node) printStatus() {
	timer := time.NewTimer(n.cfg.StatusInterval)
	defer timer.Stop()
	for {
		select {
		case <-n.stopper.ShouldStop():
			return
		case <-timer.C:
			n.logStatus()
			timer.Reset(n.cfg.StatusInterval)
		}
	}
}

func (n *Node) logStatus() {
	members := n.registry.Snapshot()
	if n.coord != nil {
		stats := n.coord.Stats()
		n.logger.Info("status", "role", RoleLeader, "members", members,
			"tracked_messages", stats.TrackedMessages, "writes", stats.Writes,
			"quorum_failures", stats.QuorumFailures)
		return
	}
	n.logger.Info("status", "role", RoleFollower, "members", members,
		"local_messages", n.store.Len())
}

// Self returns the node identity.
func (n *Node) Self() cluster.NodeIdentity { return n.self }

// IsLeader reports whether the node bound the base port.
func (n *Node) IsLeader() bool { return n.coord != nil }

// Registry returns the node's membership registry.
func (n *Node) Registry() *cluster.Registry { return n.registry }

// Health returns the node's health monitor.
func (n *Node) Health() *cluster.HealthMonitor { return n.health }

// Coordinator returns the write coordinator, or nil on followers.
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }

// Store returns the replica store, or nil on the leader.
func (n *Node) Store() *storage.ReplicaStore { return n.store }

// Metrics returns the node's metric set.
func (n *Node) Metrics() *metrics.Set { return n.metrics }

// ClientAddr returns the client listener address, or nil on followers.
func (n *Node) ClientAddr() net.Addr {
	if n.clientLn == nil {
		return nil
	}
	return n.clientLn.Addr()
}

// Close stops the client server, the health monitor and the RPC server, then
// waits for every background worker.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		if n.client != nil {
			if err := n.client.Close(); err != nil {
				n.closeErr = errors.CombineErrors(n.closeErr, err)
			}
		}
		n.health.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.httpSrv.Shutdown(ctx); err != nil {
			n.closeErr = errors.CombineErrors(n.closeErr, errors.Wrap(err, "shutdown rpc server"))
		}
		n.stopper.Stop()
		n.logger.Info("node stopped")
	})
	return n.closeErr
}
