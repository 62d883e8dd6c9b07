// Package storage holds message values on follower nodes.
//
// # Overview
//
// Values are byte strings keyed by a signed 64-bit message id. A follower
// keeps every value it has received in memory and mirrors each one to its
// own file so that a restarted follower serves the same ids again.
//
//	ReplicaStore
//	  ├── map[id][]byte        in memory, authoritative
//	  └── vfs.FS               <dataDir>/<host>_<port>/<id>.txt
//
// # Durability
//
// ReceiveWrite updates memory first and then overwrites the record file.
// File content is the raw value with no header or trailing newline. When
// the disk write fails the memory copy is kept, the failure is logged and
// counted, and the error is marked ErrDurabilityWrite; the node still
// acknowledges the write.
//
// On open, every file in the node directory whose name parses as an id
// (with or without the .txt suffix) is loaded. Other files and
// subdirectories are skipped. Records are never deleted.
//
// # Filesystem
//
// All file access goes through github.com/lni/vfs, so tests run against
// vfs.NewMem and production uses vfs.Default.
package storage
