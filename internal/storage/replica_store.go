package storage

import (
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/lni/vfs"
)

// ErrDurabilityWrite marks a failure to mirror a replica write to disk. The
// in-memory copy stays authoritative when it happens.
var ErrDurabilityWrite = errors.New("durability write failed")

// fileSuffix is appended to the id to form the file name of a record.
const fileSuffix = ".txt"

// StoreStats summarizes the records held in memory.
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of ids
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// OperationStats counts operations served by a ReplicaStore
type OperationStats struct {
	Reads       uint64 `json:"reads"`        // Number of read requests
	Writes      uint64 `json:"writes"`       // Number of replica writes received
	DiskErrors  uint64 `json:"disk_errors"`  // Number of failed disk mirrors
	LoadedFiles uint64 `json:"loaded_files"` // Records reloaded at startup
}

// ReplicaStoreConfig configures OpenReplicaStore.
type ReplicaStoreConfig struct {
	// FS is the filesystem holding Dir. Defaults to vfs.Default.
	FS vfs.FS
	// Dir is the directory owned by this node, one file per id.
	Dir     string
	Logger  hclog.Logger
	Metrics *metrics.Set
}

// ReplicaStore is the follower-side store: an in-memory map mirrored to one
// file per id under a directory owned by the node. File content is the raw
// value with no header.
//
// Memory is updated before disk. A failed disk write is logged and counted
// but does not fail the write, so memory and disk can diverge until the
// node restarts. Records are never deleted.
//
// ReplicaStore is safe for concurrent use. Values are copied on the way in
// and on the way out.
type ReplicaStore struct {
	fs     vfs.FS
	logger hclog.Logger
	dir    string

	mu     sync.RWMutex
	values map[int64][]byte

	reads       atomic.Uint64
	writes      atomic.Uint64
	diskErrors  atomic.Uint64
	loadedFiles atomic.Uint64

	writesTotal *metrics.Counter
	diskTotal   *metrics.Counter
}

// OpenReplicaStore creates cfg.Dir if needed and loads every record whose
// file name parses as an id. Other files are skipped.
func OpenReplicaStore(cfg ReplicaStoreConfig) (*ReplicaStore, error) {
	if cfg.FS == nil {
		cfg.FS = vfs.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	if cfg.Dir == "" {
		return nil, errors.New("replica store directory is required")
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create replica directory %s", cfg.Dir)
	}

	s := &ReplicaStore{
		fs:          cfg.FS,
		dir:         cfg.Dir,
		values:      make(map[int64][]byte),
		logger:      cfg.Logger,
		writesTotal: cfg.Metrics.NewCounter("diskreg_replica_writes_total"),
		diskTotal:   cfg.Metrics.NewCounter("diskreg_durability_errors_total"),
	}
	cfg.Metrics.NewGauge("diskreg_replica_keys", func() float64 {
		return float64(s.Len())
	})
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ReplicaStore) load() error {
	names, err := s.fs.List(s.dir)
	if err != nil {
		return errors.Wrapf(err, "list replica directory %s", s.dir)
	}
	for _, name := range names {
		id, ok := parseFileName(name)
		if !ok {
			continue
		}
		value, err := s.readFile(s.fs.PathJoin(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable record", "file", name, "error", err)
			continue
		}
		s.put(id, value)
		s.loadedFiles.Add(1)
	}
	s.logger.Info("replica store loaded", "dir", s.dir, "records", s.loadedFiles.Load())
	return nil
}

func (s *ReplicaStore) readFile(path string) ([]byte, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.Newf("%s is a directory", path)
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// parseFileName accepts "<id>.txt" and bare "<id>".
func parseFileName(name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSuffix(name, fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// FileName returns the record file name for id.
func FileName(id int64) string {
	return strconv.FormatInt(id, 10) + fileSuffix
}

func (s *ReplicaStore) put(id int64, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = stored
}

// ReceiveWrite stores value under id in memory, then overwrites the record
// file.
//
// Parameters:
//   - id: message id, any int64 including negatives
//   - value: raw bytes; empty is allowed and stored as an empty file
//
// Returns:
//   - nil when both memory and disk were updated
//   - an error marked ErrDurabilityWrite when only memory was updated
//
// Callers acknowledge the write in both cases.
func (s *ReplicaStore) ReceiveWrite(id int64, value []byte) error {
	s.put(id, value)
	s.writes.Add(1)
	s.writesTotal.Inc()

	if err := s.writeFile(id, value); err != nil {
		s.diskErrors.Add(1)
		s.diskTotal.Inc()
		err = errors.Mark(errors.Wrapf(err, "mirror id %d to disk", id), ErrDurabilityWrite)
		s.logger.Error("disk write failed, memory copy kept", "id", id, "error", err)
		return err
	}
	return nil
}

func (s *ReplicaStore) writeFile(id int64, value []byte) error {
	f, err := s.fs.Create(s.fs.PathJoin(s.dir, FileName(id)))
	if err != nil {
		return err
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read returns a copy of the value stored under id, and false when the id
// has never been written to this node.
func (s *ReplicaStore) Read(id int64) ([]byte, bool) {
	s.reads.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[id]
	if !ok {
		return nil, false
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// Dir returns the directory owned by the store.
func (s *ReplicaStore) Dir() string {
	return s.dir
}

// Len returns the number of records held in memory.
func (s *ReplicaStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// IDs returns the ids held in memory, in no particular order.
func (s *ReplicaStore) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.values))
	for id := range s.values {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the number of records and their total size.
func (s *ReplicaStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := StoreStats{Keys: len(s.values)}
	for _, value := range s.values {
		stats.Bytes += len(value)
	}
	return stats
}

// OpStats returns operation counters.
func (s *ReplicaStore) OpStats() OperationStats {
	return OperationStats{
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
		DiskErrors:  s.diskErrors.Load(),
		LoadedFiles: s.loadedFiles.Load(),
	}
}
