// Package sqlite provides the durable SQLite-backed resource store.
//
// Two tables hold the data:
//   - resources: the current version of each (resource_type, id)
//   - resource_versions: every version ever written, deletion markers included
//
// Each store.Session wraps one *sql.Tx, so the engine's all-or-nothing
// envelopes map onto a single SQLite transaction. Transactions begin
// IMMEDIATE and the pool holds one connection, which serializes writers.
//
// # Determinism
//
// Every query orders by id with binary collation. Bodies are stored as
// canonical JSON, and timestamps as fixed-width UTC text so lexical order is
// time order.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: five seconds of lock contention before SQLITE_BUSY
//   - foreign_keys=ON
package sqlite
