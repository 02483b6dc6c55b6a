// Package bundle defines the wire model of compound requests: the request
// envelope and its entries, the closed set of operations an entry can carry,
// the mode-paired response envelope and OperationOutcome payloads.
//
// Parsing an entry's method and URL into an Operation is the only behavior
// here. Sequencing, resolution and commit decisions belong to the engine.
package bundle
