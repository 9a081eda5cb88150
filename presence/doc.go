// Package presence tracks which peers currently hold an open connection
// to the relay.
//
// A peer is reachable under up to two independent identifiers: a stable
// hash identity and a transient peer id tied to the current connection.
// The registry keeps one map per identifier kind and never persists
// anything; after a restart every peer must re-register on reconnect.
package presence
