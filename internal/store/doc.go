// Package store defines the versioned resource store consumed by the
// engine, and the pieces its implementations share: id generation, clocks
// and typed errors.
//
// Implementations live in sub-packages:
//   - sqlite: durable default, one *sql.Tx per session
//   - memory: clone-and-swap transactions, used by tests and the harness
//   - postgres: memory store persisted as JSONB snapshots
//
// Every write creates a new version row; a delete writes a deletion marker
// version. Versions start at 1 and increase by one per write.
package store
