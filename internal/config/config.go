// Package config loads node settings from the environment and the replication
// tolerance from its configuration file.
package config

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/lni/goutils/stringutil"
	"github.com/lni/vfs"
)

// Environment variables read by FromEnv.
const (
	EnvHost           = "DISKREG_HOST"
	EnvBasePort       = "DISKREG_BASE_PORT"
	EnvClientPort     = "DISKREG_CLIENT_PORT"
	EnvDataDir        = "DISKREG_DATA_DIR"
	EnvToleranceFile  = "DISKREG_TOLERANCE_FILE"
	EnvHealthInterval = "DISKREG_HEALTH_INTERVAL"
	EnvRPCTimeout     = "DISKREG_RPC_TIMEOUT"
	EnvStatusInterval = "DISKREG_STATUS_INTERVAL"
	EnvLogLevel       = "DISKREG_LOG_LEVEL"
)

// Defaults used when the matching variable is unset.
const (
	DefaultHost           = "127.0.0.1"
	DefaultBasePort       = 5555
	DefaultClientPort     = 6666
	DefaultDataDir        = "data"
	DefaultToleranceFile  = "tolerance.conf"
	DefaultHealthInterval = 5 * time.Second
	DefaultRPCTimeout     = 3 * time.Second
	DefaultStatusInterval = 10 * time.Second
	DefaultLogLevel       = "info"
	DefaultTolerance      = 1
)

// toleranceKey prefixes the tolerance line of the tolerance file.
const toleranceKey = "tolerance="

// Config holds the settings of one node process.
type Config struct {
	Host          string
	DataDir       string
	ToleranceFile string
	LogLevel      string
	// BasePort is the leader's RPC port and the first port probed at startup.
	BasePort int
	// ClientPort is where the leader accepts client connections.
	ClientPort     int
	HealthInterval time.Duration
	RPCTimeout     time.Duration
	// StatusInterval is the delay between status lines. Zero disables them.
	StatusInterval time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Host:           DefaultHost,
		BasePort:       DefaultBasePort,
		ClientPort:     DefaultClientPort,
		DataDir:        DefaultDataDir,
		ToleranceFile:  DefaultToleranceFile,
		HealthInterval: DefaultHealthInterval,
		RPCTimeout:     DefaultRPCTimeout,
		StatusInterval: DefaultStatusInterval,
		LogLevel:       DefaultLogLevel,
	}
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config using getenv to read variables. Empty values
// select the default.
func FromLookup(getenv func(string) string) (Config, error) {
	cfg := Default()
	var err error

	cfg.Host = lookup(getenv, EnvHost, cfg.Host)
	cfg.DataDir = lookup(getenv, EnvDataDir, cfg.DataDir)
	cfg.ToleranceFile = lookup(getenv, EnvToleranceFile, cfg.ToleranceFile)
	cfg.LogLevel = lookup(getenv, EnvLogLevel, cfg.LogLevel)

	if cfg.BasePort, err = lookupInt(getenv, EnvBasePort, cfg.BasePort); err != nil {
		return Config{}, err
	}
	if cfg.ClientPort, err = lookupInt(getenv, EnvClientPort, cfg.ClientPort); err != nil {
		return Config{}, err
	}
	if cfg.HealthInterval, err = lookupDuration(getenv, EnvHealthInterval, cfg.HealthInterval); err != nil {
		return Config{}, err
	}
	if cfg.RPCTimeout, err = lookupDuration(getenv, EnvRPCTimeout, cfg.RPCTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StatusInterval, err = lookupDuration(getenv, EnvStatusInterval, cfg.StatusInterval); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks that ports and intervals are usable.
func (c Config) Validate() error {
	for _, port := range []int{c.BasePort, c.ClientPort} {
		if port < 1 || port > 65535 {
			return errors.Newf("port %d out of range", port)
		}
	}
	if !stringutil.IsValidAddress(c.RPCAddr(c.BasePort)) {
		return errors.Newf("invalid base address %s", c.RPCAddr(c.BasePort))
	}
	if !stringutil.IsValidAddress(c.RPCAddr(c.ClientPort)) {
		return errors.Newf("invalid client address %s", c.RPCAddr(c.ClientPort))
	}
	if c.HealthInterval <= 0 {
		return errors.Newf("health interval must be positive, got %s", c.HealthInterval)
	}
	if c.RPCTimeout <= 0 {
		return errors.Newf("rpc timeout must be positive, got %s", c.RPCTimeout)
	}
	if c.StatusInterval < 0 {
		return errors.Newf("status interval must not be negative, got %s", c.StatusInterval)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return errors.Newf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// RPCAddr joins the configured host with port.
func (c Config) RPCAddr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func lookup(getenv func(string) string, k, def string) string {
	if v := getenv(k); v != "" {
		return v
	}
	return def
}

func lookupInt(getenv func(string) string, k string, def int) (int, error) {
	v := getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", k)
	}
	return n, nil
}

func lookupDuration(getenv func(string) string, k string, def time.Duration) (time.Duration, error) {
	v := getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", k)
	}
	return d, nil
}

// LoadTolerance reads the replication tolerance from path. The file holds
// "tolerance=<n>" lines; the last one wins. A missing or unreadable file,
// an unparseable value or a value below 1 yields DefaultTolerance with a
// warning. It never fails.
func LoadTolerance(fs vfs.FS, path string, logger hclog.Logger) int {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	f, err := fs.Open(path)
	if err != nil {
		logger.Warn("tolerance file not found, using default", "path", path, "tolerance", DefaultTolerance)
		return DefaultTolerance
	}
	defer f.Close()

	raw := ""
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, toleranceKey) {
			raw = strings.TrimSpace(strings.TrimPrefix(line, toleranceKey))
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("tolerance file unreadable, using default", "path", path, "error", err)
		return DefaultTolerance
	}
	if !found {
		logger.Warn("no tolerance line, using default", "path", path, "tolerance", DefaultTolerance)
		return DefaultTolerance
	}

	tolerance, err := strconv.Atoi(raw)
	if err != nil || tolerance < 1 {
		logger.Warn("invalid tolerance, using default", "path", path, "value", raw, "tolerance", DefaultTolerance)
		return DefaultTolerance
	}
	return tolerance
}
