// Package store persists swarm history in SQLite.
//
// The coordinator keeps its working state in memory; the store holds what
// should survive a restart or outgrow the in-memory window:
//
//   - Tasks: every terminal task (completed, failed-permanent, cancelled)
//   - Agents: agents as they are terminated
//   - Events: the swarm event stream, written in batches by EventLog
//
// Rows carry a few indexed columns for filtering and the full record as
// JSON, so the record types can grow without migrations.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(path) under
// t.TempDir() for integration tests.
package store
