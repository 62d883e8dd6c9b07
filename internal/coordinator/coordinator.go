package coordinator

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/diskreg/internal/cluster"
	"github.com/dreamware/diskreg/internal/protocol"
)

var (
	// ErrQuorumNotReached is returned by Write when fewer than tolerance
	// followers acknowledged, including when fewer than tolerance followers
	// are known at all.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrNotFound is returned by Read when the id was never written
	// successfully or no live holder returned a value.
	ErrNotFound = errors.New("message not found")
)

// Config configures a Coordinator.
type Config struct {
	// Registry supplies the candidate followers. Required.
	Registry *cluster.Registry
	// Transport carries replica writes and reads. Required.
	Transport cluster.Transport
	// Logger defaults to a null logger.
	Logger hclog.Logger
	// Metrics receives the coordinator counters. Defaults to a fresh set.
	Metrics *metrics.Set
	// Tolerance is the number of follower acknowledgements a write needs.
	// Must be at least 1.
	Tolerance int
	// RPCTimeout bounds each replica RPC. Defaults to cluster.DefaultRPCTimeout.
	RPCTimeout time.Duration
}

// Stats summarizes coordinator activity for status output.
type Stats struct {
	TrackedMessages int    `json:"tracked_messages"` // Ids with a recorded holder list
	Tolerance       int    `json:"tolerance"`        // Required acknowledgements
	Writes          uint64 `json:"writes"`           // Write calls, successful or not
	QuorumFailures  uint64 `json:"quorum_failures"`  // Writes that did not reach Tolerance acks
	Reads           uint64 `json:"reads"`            // Read calls
	ReadMisses      uint64 `json:"read_misses"`      // Reads answered with ErrNotFound
}

// Coordinator runs on the leader. It replicates each write to exactly
// Tolerance followers chosen round robin, records who acknowledged in a
// LocationIndex, and serves reads from those holders.
//
// Write Path:
//
//	candidates = members - self
//	if |candidates| < t            → ErrQuorumNotReached (no RPCs)
//	targets    = RoundRobin(candidates, t)
//	for target in targets          → ReplicateWrite("SET id value")
//	if acks ≥ t                    → index[id] = acked targets
//	else                           → ErrQuorumNotReached
//
// There is no rollback: followers that acknowledged a failed write keep the
// value but the index does not point at them. Acks are counted from RPC
// results alone; a target evicted while its RPC is in flight still counts if
// it answered.
//
// Read Path:
// Holders are tried in recorded order, skipping any that are no longer
// members. The first holder that has the value wins.
type Coordinator struct {
	registry  *cluster.Registry
	transport cluster.Transport
	logger    hclog.Logger
	index     *LocationIndex
	placement RoundRobin
	tolerance int
	timeout   time.Duration

	writes         *metrics.Counter
	quorumFailures *metrics.Counter
	acks           *metrics.Counter
	reads          *metrics.Counter
	readMisses     *metrics.Counter
}

// New creates a Coordinator.
//
// Returns an error when Registry or Transport is nil or Tolerance is below
// 1. The LocationIndex starts empty.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Tolerance < 1 {
		return nil, errors.Newf("tolerance must be at least 1, got %d", cfg.Tolerance)
	}
	if cfg.Registry == nil || cfg.Transport == nil {
		return nil, errors.New("coordinator needs a registry and a transport")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = cluster.DefaultRPCTimeout
	}

	c := &Coordinator{
		registry:       cfg.Registry,
		transport:      cfg.Transport,
		logger:         cfg.Logger,
		index:          NewLocationIndex(),
		tolerance:      cfg.Tolerance,
		timeout:        cfg.RPCTimeout,
		writes:         cfg.Metrics.NewCounter("diskreg_writes_total"),
		quorumFailures: cfg.Metrics.NewCounter("diskreg_write_quorum_failures_total"),
		acks:           cfg.Metrics.NewCounter("diskreg_replica_acks_total"),
		reads:          cfg.Metrics.NewCounter("diskreg_reads_total"),
		readMisses:     cfg.Metrics.NewCounter("diskreg_read_misses_total"),
	}
	cfg.Metrics.NewGauge("diskreg_tracked_messages", func() float64 {
		return float64(c.index.Len())
	})
	return c, nil
}

// Tolerance returns the configured number of required acknowledgements.
func (c *Coordinator) Tolerance() int {
	return c.tolerance
}

// Write replicates value under id to Tolerance followers.
//
// Parameters:
//   - ctx: bounds the whole write; each RPC is also bounded by RPCTimeout
//   - id: message id
//   - value: the literal value, sent as "SET <id> <value>"
//
// Returns:
//   - nil when every selected follower acknowledged; the acknowledging
//     followers replace the holder list of id
//   - an error wrapping ErrQuorumNotReached otherwise, including when fewer
//     than Tolerance followers are members, in which case no RPC is sent
//
// Example:
//
//	if err := c.Write(ctx, 7, "hello"); errors.Is(err, ErrQuorumNotReached) {
//		// reply "ERROR Quorum not reached"
//	}
func (c *Coordinator) Write(ctx context.Context, id int64, value string) error {
	c.writes.Inc()

	candidates := c.registry.Peers()
	targets := c.placement.Select(candidates, c.tolerance)
	if targets == nil {
		c.quorumFailures.Inc()
		c.logger.Warn("not enough followers for write", "id", id,
			"followers", len(candidates), "tolerance", c.tolerance)
		return errors.Wrapf(ErrQuorumNotReached, "%d followers known, %d required", len(candidates), c.tolerance)
	}

	payload := protocol.FormatSet(id, value)
	acked := make([]cluster.NodeIdentity, 0, len(targets))
	for _, target := range targets {
		if err := c.replicate(ctx, target, payload); err != nil {
			c.logger.Warn("replica write failed", "id", id, "peer", target,
				"kind", cluster.ErrorKind(err), "error", err)
			continue
		}
		acked = append(acked, target)
		c.acks.Inc()
	}

	if len(acked) < c.tolerance {
		c.quorumFailures.Inc()
		c.logger.Warn("write quorum not reached", "id", id, "acks", len(acked), "tolerance", c.tolerance)
		return errors.Wrapf(ErrQuorumNotReached, "%d of %d acknowledgements", len(acked), c.tolerance)
	}

	c.index.Put(id, acked)
	c.logger.Debug("write committed", "id", id, "holders", acked)
	return nil
}

func (c *Coordinator) replicate(ctx context.Context, target cluster.NodeIdentity, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.transport.ReplicateWrite(ctx, target, payload)
}

// Read returns the value last written successfully under id.
//
// Holders are asked in the order they acknowledged. Holders that are no
// longer members are skipped, and a holder that fails or does not have the
// value passes the read on to the next one.
//
// Returns:
//   - the first value found
//   - an error wrapping ErrNotFound when id has no holder list or no live
//     holder returned a value
func (c *Coordinator) Read(ctx context.Context, id int64) (string, error) {
	c.reads.Inc()

	holders, ok := c.index.Get(id)
	if !ok {
		c.readMisses.Inc()
		return "", ErrNotFound
	}

	for _, holder := range holders {
		if !c.registry.Contains(holder) {
			continue
		}
		value, found, err := c.readFrom(ctx, holder, id)
		if err != nil {
			c.logger.Warn("replica read failed", "id", id, "peer", holder,
				"kind", cluster.ErrorKind(err), "error", err)
			continue
		}
		if found {
			return string(value), nil
		}
	}

	c.readMisses.Inc()
	return "", errors.Wrapf(ErrNotFound, "no live holder of id %d", id)
}

func (c *Coordinator) readFrom(ctx context.Context, holder cluster.NodeIdentity, id int64) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.transport.ReadValue(ctx, holder, id)
}

// Locations returns the followers recorded as holding id.
func (c *Coordinator) Locations(id int64) ([]cluster.NodeIdentity, bool) {
	return c.index.Get(id)
}

// Stats returns activity counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		TrackedMessages: c.index.Len(),
		Tolerance:       c.tolerance,
		Writes:          c.writes.Get(),
		QuorumFailures:  c.quorumFailures.Get(),
		Reads:           c.reads.Get(),
		ReadMisses:      c.readMisses.Get(),
	}
}
