// Package storage persists validator state snapshots and an append-only
// event log.
//
// Backends:
//   - file: one JSON snapshot per key (written via tmp + rename) and a JSON
//     Lines event log
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
//   - memory: process-local, used by tests and when persistence is off
package storage
