// Package storage provides the SQLite-backed durable state of the relay:
// the pending message queue and the identity directory with its
// append-only peer-id change log.
//
// The store is the single source of truth across restarts. Presence is a
// cache of reachability and lives elsewhere; nothing here depends on it.
//
// Three tables:
//   - messages: pending encrypted blobs keyed by message id, addressed by
//     recipient hash and/or peer id, swept after a retention window.
//   - identities: hash identity -> (encrypted blob, current peer id,
//     display name).
//   - peerid_history: one record per observed peer-id transition,
//     append-only, purged only by an administrative flush.
//
// Database configuration follows the usual SQLite service setup: WAL mode
// for concurrent reads, a single writer connection to avoid SQLITE_BUSY,
// busy_timeout for lock contention, and versioned migrations applied once
// at open via PRAGMA user_version.
package storage
