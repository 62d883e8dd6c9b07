package cluster

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// Discover populates registry by joining every candidate peer whose port lies
// in [basePort, self.Port), in increasing port order, on the local host.
// Each responding peer adds self to its own registry and returns its full
// membership, which is merged here. Unreachable candidates are skipped.
//
// Discovery runs once at startup. A node started while some peers were
// unreachable will only learn about them when they join it.
//
// Returns the number of candidates that answered.
func Discover(ctx context.Context, t Transport, registry *Registry, basePort int, logger hclog.Logger) int {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	self := registry.Self()
	answered := 0
	for port := basePort; port < self.Port; port++ {
		if ctx.Err() != nil {
			break
		}
		peer := NodeIdentity{Host: self.Host, Port: port}
		view, err := t.Join(ctx, peer, self)
		if err != nil {
			logger.Debug("join candidate skipped", "peer", peer, "kind", ErrorKind(err), "error", err)
			continue
		}
		answered++
		added := registry.AddAll(view.Members)
		logger.Info("joined peer", "peer", peer, "members", len(view.Members), "new", added)
	}
	return answered
}
