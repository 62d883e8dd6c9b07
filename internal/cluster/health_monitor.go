package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/lni/goutils/syncutil"
)

// Probe status values recorded in NodeHealth.
const (
	StatusUnknown = "unknown"
	StatusHealthy = "healthy"
	StatusEvicted = "evicted"
)

// NodeHealth is the last known probe result for one peer.
type NodeHealth struct {
	LastCheck   time.Time    // Timestamp of the last probe attempt
	LastHealthy time.Time    // Timestamp of the last successful probe
	Node        NodeIdentity // Probed peer
	Status      string       // StatusUnknown, StatusHealthy or StatusEvicted
	LastError   string       // Error of the last failed probe
}

// HealthMonitorConfig configures a HealthMonitor.
type HealthMonitorConfig struct {
	Registry  *Registry
	Transport Transport
	Logger    hclog.Logger
	Metrics   *metrics.Set
	// Interval is the delay between the end of one probe round and the start
	// of the next.
	Interval time.Duration
	// Timeout bounds each probe. Defaults to DefaultRPCTimeout.
	Timeout time.Duration
}

// HealthMonitor periodically probes every registry member except self and
// removes any member whose probe fails from the local registry.
//
// There is no retry budget: one failed probe evicts. Evicted peers are not
// probed again; they return only by issuing a new Join. Rounds never
// overlap because the next round is scheduled after the previous one ends.
type HealthMonitor struct {
	registry  *Registry
	transport Transport
	logger    hclog.Logger
	onEvict   func(NodeIdentity)
	evictions *metrics.Counter
	probes    *metrics.Counter
	nodes     map[NodeIdentity]*NodeHealth
	stopper   *syncutil.Stopper
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration
	timeout   time.Duration
	mu        sync.RWMutex
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewHealthMonitor creates a monitor. Call Start to begin probing.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		registry:  cfg.Registry,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		evictions: cfg.Metrics.NewCounter("diskreg_evictions_total"),
		probes:    cfg.Metrics.NewCounter("diskreg_probes_total"),
		nodes:     make(map[NodeIdentity]*NodeHealth),
		stopper:   syncutil.NewStopper(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnEvict sets a callback invoked after a peer has been removed from the
// registry. Must be called before Start.
func (h *HealthMonitor) SetOnEvict(callback func(NodeIdentity)) {
	h.onEvict = callback
}

// Start launches the probe loop in a background worker. Calling Start more
// than once has no effect.
func (h *HealthMonitor) Start() {
	h.startOnce.Do(func() {
		h.logger.Info("health monitor started", "interval", h.interval)
		h.stopper.RunWorker(h.run)
	})
}

// Stop cancels in-flight probes and waits for the probe loop to exit.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.stopper.Stop()
		h.logger.Info("health monitor stopped")
	})
}

func (h *HealthMonitor) run() {
	timer := time.NewTimer(h.interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			h.CheckNow(h.ctx)
			timer.Reset(h.interval)
		case <-h.stopper.ShouldStop():
			return
		}
	}
}

// CheckNow runs one probe round synchronously and returns the peers evicted
// during it.
func (h *HealthMonitor) CheckNow(ctx context.Context) []NodeIdentity {
	peers := h.registry.Peers()

	current := make(map[NodeIdentity]bool, len(peers))
	for _, p := range peers {
		current[p] = true
	}
	h.mu.Lock()
	for n := range h.nodes {
		if !current[n] {
			delete(h.nodes, n)
		}
	}
	h.mu.Unlock()

	var evicted []NodeIdentity
	for _, peer := range peers {
		if ctx.Err() != nil {
			break
		}
		if h.checkNode(ctx, peer) {
			evicted = append(evicted, peer)
		}
	}
	return evicted
}

// checkNode probes one peer and reports whether it was evicted.
func (h *HealthMonitor) checkNode(ctx context.Context, peer NodeIdentity) bool {
	h.mu.Lock()
	health, ok := h.nodes[peer]
	if !ok {
		health = &NodeHealth{Node: peer, Status: StatusUnknown}
		h.nodes[peer] = health
	}
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	_, err := h.transport.Probe(probeCtx, peer)
	cancel()
	h.probes.Inc()

	// A probe cut short by our own shutdown says nothing about the peer.
	if err != nil && ctx.Err() != nil {
		return false
	}

	now := time.Now()
	h.mu.Lock()
	health.LastCheck = now
	if err == nil {
		health.Status = StatusHealthy
		health.LastHealthy = now
		health.LastError = ""
		h.mu.Unlock()
		return false
	}
	health.Status = StatusEvicted
	health.LastError = err.Error()
	h.mu.Unlock()

	if !h.registry.Remove(peer) {
		// Already gone, e.g. removed concurrently.
		return false
	}
	h.evictions.Inc()
	h.logger.Warn("peer evicted after failed probe", "peer", peer, "kind", ErrorKind(err), "error", err)
	if h.onEvict != nil {
		h.onEvict(peer)
	}
	return true
}

// GetNodeHealth returns a copy of the last probe result for node, or nil if
// the node is not tracked.
func (h *HealthMonitor) GetNodeHealth(node NodeIdentity) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[node]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of all tracked probe results keyed by
// node address.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for n, health := range h.nodes {
		c := *health
		out[n.String()] = &c
	}
	return out
}

// Evictions returns the number of peers evicted since creation.
func (h *HealthMonitor) Evictions() uint64 {
	return h.evictions.Get()
}
