package node

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/diskreg/internal/cluster"
	"github.com/dreamware/diskreg/internal/coordinator"
	"github.com/dreamware/diskreg/internal/protocol"
	"github.com/dreamware/diskreg/internal/storage"
)

// Service serves the inter-node RPC endpoints of one node over HTTP.
//
// Endpoints:
//
//	POST /cluster/join          register the caller, return membership
//	GET  /cluster/probe         liveness, return membership
//	POST /replica/write         store a "SET <id> <value>" payload
//	GET  /replica/values/{id}   return the locally stored value
//	GET  /health                200 while the process is up
//	GET  /info                  role, membership and store statistics
//	GET  /metrics               Prometheus text format
//
// Exactly one of Store (followers) and Coordinator (leader) is set. The
// leader acknowledges replica writes without storing them.
type Service struct {
	Registry    *cluster.Registry
	Store       *storage.ReplicaStore
	Coordinator *coordinator.Coordinator
	Health      *cluster.HealthMonitor
	Metrics     *metrics.Set
	Logger      hclog.Logger
	StartedAt   time.Time
}

// NodeInfo is the body of GET /info.
type NodeInfo struct {
	Self        cluster.NodeIdentity           `json:"self"`
	Role        string                         `json:"role"`
	Members     []cluster.NodeIdentity         `json:"members"`
	Health      map[string]*cluster.NodeHealth `json:"health,omitempty"`
	Store       *storage.StoreStats            `json:"store,omitempty"`
	Operations  *storage.OperationStats        `json:"operations,omitempty"`
	Coordinator *coordinator.Stats             `json:"coordinator,omitempty"`
	Uptime      string                         `json:"uptime"`
}

// Roles reported in NodeInfo.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// Router builds the chi router for the service.
func (s *Service) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = hclog.NewNullLogger()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: s.Logger.StandardLogger(&hclog.StandardLoggerOptions{
			ForceLevel: hclog.Trace,
		}),
		NoColor: true,
	}))

	r.Post(cluster.PathJoin, s.handleJoin)
	r.Get(cluster.PathProbe, s.handleProbe)
	r.Post(cluster.PathReplicateWrite, s.handleReplicateWrite)
	r.Get(cluster.PathReadValue+"{id}", s.handleReadValue)
	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Get("/metrics", s.handleMetrics)
	return r
}

func (s *Service) role() string {
	if s.Coordinator != nil {
		return RoleLeader
	}
	return RoleFollower
}

func (s *Service) snapshot() cluster.MembershipSnapshot {
	return cluster.MembershipSnapshot{Members: s.Registry.Snapshot()}
}

// handleJoin registers the caller and answers with the membership view,
// which includes the caller.
func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	var joiner cluster.NodeIdentity
	if err := json.NewDecoder(r.Body).Decode(&joiner); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !joiner.Valid() {
		http.Error(w, "invalid node identity", http.StatusBadRequest)
		return
	}
	if s.Registry.Add(joiner) {
		s.Logger.Info("node joined", "node", joiner, "members", s.Registry.Len())
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Service) handleProbe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleReplicateWrite stores a replicated SET. A disk failure still
// acknowledges because the memory copy was updated.
func (s *Service) handleReplicateWrite(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReplicateWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cmd, err := protocol.Parse(string(req.Text))
	if err != nil || cmd.Kind != protocol.KindSet {
		s.Logger.Warn("rejecting replica payload", "text", string(req.Text), "error", err)
		http.Error(w, "payload must be SET <id> <value>", http.StatusBadRequest)
		return
	}

	if s.Store == nil {
		s.Logger.Debug("leader ignoring replica write", "id", cmd.ID)
		writeJSON(w, http.StatusOK, cluster.Ack{})
		return
	}
	// Errors are logged and counted by the store
	_ = s.Store.ReceiveWrite(cmd.ID, []byte(cmd.Value))
	writeJSON(w, http.StatusOK, cluster.Ack{})
}

func (s *Service) handleReadValue(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if s.Store == nil {
		writeJSON(w, http.StatusOK, cluster.ReadValueResponse{})
		return
	}
	value, found := s.Store.Read(id)
	writeJSON(w, http.StatusOK, cluster.ReadValueResponse{Value: value, Found: found})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := NodeInfo{
		Self:    s.Registry.Self(),
		Role:    s.role(),
		Members: s.Registry.Snapshot(),
		Uptime:  time.Since(s.StartedAt).Round(time.Second).String(),
	}
	if s.Health != nil {
		info.Health = s.Health.GetAllNodeHealth()
	}
	if s.Store != nil {
		stats := s.Store.Stats()
		ops := s.Store.OpStats()
		info.Store = &stats
		info.Operations = &ops
	}
	if s.Coordinator != nil {
		stats := s.Coordinator.Stats()
		info.Coordinator = &stats
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if s.Metrics != nil {
		s.Metrics.WritePrometheus(w)
	}
	metrics.WriteProcessMetrics(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
