// Package store provides persistent storage for coven-agentd using SQLite.
//
// # Data Models
//
//   - Request: one inbound exchange, its REQUEST document, the REPLY or NACK
//     that answered it, and the last protocol state it reached
//   - Event: a ledger row for every wire document seen for a request
//
// The protocol itself never reads the store. Retransmission handling lives
// entirely in memory; the store is an audit trail and a way to tell, after a
// restart, which requests were dropped on the floor.
//
// # Recording
//
// Recorder implements messaging.Observer and is attached to the
// RequestListener. Write failures are logged and swallowed.
//
// # Lost requests
//
// ClearLost runs once at startup. Any request with no reply whose state is
// not CLEANUP was in flight when the previous process died; it is marked
// LOST so operators can see it with "coven-agentd requests".
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Migrations are idempotent column checks run on every open.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore with a path under
// t.TempDir() for integration tests.
package store
