// Package main runs one diskreg node.
//
// The first process started on a host binds the base port and becomes the
// leader; later processes take the next free port and become followers.
//
//	┌──────────────────────────────────────────┐
//	│                 Leader                   │
//	├──────────────────────────────────────────┤
//	│  TCP :6666   SET / GET / EXIT (clients)  │
//	│  HTTP :5555  inter-node RPC              │
//	│  Coordinator, HealthMonitor              │
//	└──────────────────────────────────────────┘
//	┌──────────────────────────────────────────┐
//	│               Follower                   │
//	├──────────────────────────────────────────┤
//	│  HTTP :5556+ inter-node RPC              │
//	│  ReplicaStore data/<host>_<port>/        │
//	│  HealthMonitor                           │
//	└──────────────────────────────────────────┘
//
// Configuration (environment):
//   - DISKREG_HOST: advertised host (default: "127.0.0.1")
//   - DISKREG_BASE_PORT: leader RPC port (default: 5555)
//   - DISKREG_CLIENT_PORT: leader client port (default: 6666)
//   - DISKREG_DATA_DIR: follower data root (default: "data")
//   - DISKREG_TOLERANCE_FILE: tolerance file (default: "tolerance.conf")
//   - DISKREG_HEALTH_INTERVAL: delay between probe rounds (default: 5s)
//   - DISKREG_RPC_TIMEOUT: bound on each RPC (default: 3s)
//   - DISKREG_STATUS_INTERVAL: delay between status lines, 0 disables (default: 10s)
//   - DISKREG_LOG_LEVEL: trace, debug, info, warn or error (default: info)
//
// Example usage:
//
//	echo "tolerance=2" > tolerance.conf
//	./node &   # leader on 5555
//	./node &   # follower on 5556
//	./node &   # follower on 5557
//
//	printf 'SET 1 hello world\nGET 1\nEXIT\n' | nc 127.0.0.1 6666
//	OK SET 1
//	VALUE 1 hello world
package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/lni/vfs"

	"github.com/dreamware/diskreg/internal/config"
	"github.com/dreamware/diskreg/internal/node"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv, os.Stderr); err != nil {
		logFatal("diskreg: %v", err)
	}
}

// run starts a node from the environment read through getenv and blocks
// until ctx is cancelled, then shuts the node down.
func run(ctx context.Context, getenv func(string) string, out io.Writer) error {
	cfg, err := config.FromLookup(getenv)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, out)

	n, err := node.Start(ctx, node.Options{
		Config: cfg,
		FS:     vfs.Default,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("node started", "self", n.Self(), "leader", n.IsLeader())

	<-ctx.Done()
	logger.Info("shutting down")
	return n.Close()
}

func newLogger(level string, out io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "diskreg",
		Level:  hclog.LevelFromString(level),
		Output: out,
	})
}
