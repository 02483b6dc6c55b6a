// Package engine executes compound envelopes against a versioned resource
// store.
//
// Processing pipeline:
//
//  1. validateEnvelope checks structure before any entry is touched and
//     parses every entry into a bundle.Operation.
//  2. schedule computes the execution order. Batch envelopes run in
//     submission order; transactions run deletes, then creates, then
//     updates and patches, then reads, keeping submission order within
//     each class.
//  3. Each entry runs conditional resolution, the If-Match check and
//     reference rewriting, then delegates to the store session.
//  4. The coordinator commits or aborts. A transaction runs inside one
//     store transaction, so any failure discards every write. A batch
//     gives each entry its own store transaction.
//  5. assemble places each outcome at its entry's original index.
//
// The symbol table and the outcome slice belong to one Process call and
// are never shared. The store is the only shared mutable state.
package engine
