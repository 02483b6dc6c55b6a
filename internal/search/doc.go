// Package search is the search collaborator: the per-tenant parameter
// vocabulary, query parsing, resource matching and the SQL narrowing
// compiler used by the SQLite store.
//
// A parsed Query is a tree of sealed predicate nodes. Stores may push the
// column-backed nodes (_id, _lastUpdated) down into SQL; Match is always the
// authoritative filter.
package search
