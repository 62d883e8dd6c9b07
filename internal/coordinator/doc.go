// Package coordinator implements the leader's replication logic: choosing
// replica targets, gathering acknowledgements and remembering which
// followers hold each message.
//
// # Overview
//
// A write succeeds only when exactly Tolerance followers acknowledge it.
// Targets are chosen round robin over the current followers so that load
// spreads evenly across a stable membership. The LocationIndex remembers
// the acknowledging followers of the last successful write per id, and
// reads are served from those holders.
//
//	SET 7 hello
//	     │
//	     ▼
//	┌──────────────┐  followers < t  ┌───────────────────────┐
//	│ Coordinator  │────────────────▶│ ERROR Quorum not      │
//	│              │                 │ reached (no RPCs)     │
//	│ RoundRobin   │                 └───────────────────────┘
//	│  picks t     │
//	└──────┬───────┘
//	       │ ReplicateWrite("SET 7 hello"), one target at a time
//	       ▼
//	  acks == t ? ──yes──▶ LocationIndex[7] = acked  → OK SET 7
//	       │
//	       no ───────────▶ index untouched          → ERROR Quorum not reached
//
// # Consistency
//
// There is no rollback and no re-replication. Followers that acknowledged
// a failed write keep the value, but the index never points at them for
// that write. A later successful write replaces the holder list wholesale.
// Holders that were evicted since the write are skipped on read; if none
// remain the id reads as not found.
//
// # Concurrency
//
// Coordinator is safe for concurrent use. The round robin cursor is an
// atomic counter and the index is guarded by a RWMutex. Two concurrent
// writes of the same id may leave the index pointing at either write's
// holders.
package coordinator
