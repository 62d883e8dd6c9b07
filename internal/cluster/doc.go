// Package cluster provides membership, discovery, failure detection and the
// inter-node RPC transport for diskreg nodes.
//
// # Overview
//
// Every diskreg process is a node identified by its host and RPC port. The
// node that binds the base port is the leader; all others are followers.
// Each node keeps its own Registry of members it believes alive. Registries
// are never synchronized: they converge through joins and diverge through
// local evictions.
//
//	            ┌──────────────┐
//	            │ Leader :5555 │
//	            │  Registry    │
//	            │  HealthMon   │
//	            └──────┬───────┘
//	                   │ Join / Probe / ReplicateWrite / ReadValue
//	      ┌────────────┼────────────┐
//	      ▼            ▼            ▼
//	┌───────────┐┌───────────┐┌───────────┐
//	│ :5556     ││ :5557     ││ :5558     │
//	│ Registry  ││ Registry  ││ Registry  │
//	│ HealthMon ││ HealthMon ││ HealthMon │
//	└───────────┘└───────────┘└───────────┘
//
// # Core Components
//
// NodeIdentity: host and port of a node; equality is field equality.
//
// Registry: the local membership set. Always contains self, which can never
// be removed. Snapshots are ordered by host then port.
//
// Discover: startup discovery. Joins every port in [basePort, selfPort) on
// the node's own host and merges each answered view. Unreachable ports are
// skipped silently.
//
// HealthMonitor: probes every member except self at a fixed delay. A single
// failed probe evicts the member from the local registry. Evicted members
// come back only by joining again.
//
// Transport: the RPC client. HTTPTransport speaks JSON over HTTP; every call
// is bounded by a timeout and failures are marked with one of
// ErrPeerUnreachable, ErrPeerTimeout or ErrPeerRejected.
//
// # Wire Format
//
//	POST /cluster/join          NodeIdentity        → MembershipSnapshot
//	GET  /cluster/probe                             → MembershipSnapshot
//	POST /replica/write         {"text":base64}     → {}
//	GET  /replica/values/{id}                       → {"value":…,"found":…}
//
// # Thread Safety
//
// Registry and HealthMonitor are safe for concurrent use. HTTPTransport is
// safe for concurrent use; it shares one http.Client.
package cluster
