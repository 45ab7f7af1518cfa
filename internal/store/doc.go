// Package store persists durable room history: execution results and
// code snapshots.
//
// # Overview
//
// The gateway writes to a Store opportunistically and never waits on it
// from the live-update path. Three implementations exist:
//
//   - SQLiteStore: default, backed by modernc.org/sqlite (no cgo)
//   - PostgresStore: backed by a pgx connection pool
//   - MockStore: in-memory, for tests
//
// # Snapshots
//
// RecordCodeSnapshot stores the buffer only when its blake3 digest
// differs from the latest snapshot of the same room, so bursts of edits
// that end where they started do not pile up rows.
package store
