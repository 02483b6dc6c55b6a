package search

import (
	"fmt"
	"strings"
)

// SQLCompiler narrows a Query to candidate rows of a resources table.
//
// Only column-backed predicates that sit at the top level of the query
// (directly, or as children of the top-level And) are pushed down. Every
// other predicate is left to Match, so the compiled statement may return a
// superset of the matches, never a subset.
//
// Every statement orders by id with binary collation and every value is a
// ? placeholder.
type SQLCompiler struct {
	// Table is the current-version table name.
	Table string
	// Columns is the select list.
	Columns []string
	// TimeLayout is the fixed-width UTC layout of the last_updated column.
	// When empty, _lastUpdated is not pushed down.
	TimeLayout string
}

// NewSQLCompiler creates a compiler for the given table and select list.
func NewSQLCompiler(table string, columns ...string) *SQLCompiler {
	return &SQLCompiler{Table: table, Columns: columns}
}

// Compile returns the statement and its parameters.
func (c *SQLCompiler) Compile(q *Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if q.ResourceType == "" {
		return "", nil, fmt.Errorf("query has no resource type")
	}

	conds := []string{"resource_type = ?", "deleted = 0"}
	params := []any{q.ResourceType}

	for _, p := range topLevel(q.Where) {
		sql, args := c.compilePredicate(p)
		if sql == "" {
			continue
		}
		conds = append(conds, sql)
		params = append(params, args...)
	}

	cols := "*"
	if len(c.Columns) > 0 {
		cols = strings.Join(c.Columns, ", ")
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		cols, c.Table, strings.Join(conds, " AND "), stableOrderKey())
	return stmt, params, nil
}

func topLevel(p Predicate) []Predicate {
	switch pred := p.(type) {
	case nil:
		return nil
	case And:
		return pred.Predicates
	default:
		return []Predicate{p}
	}
}

// compilePredicate returns "" for predicates that cannot be pushed down.
func (c *SQLCompiler) compilePredicate(p Predicate) (string, []any) {
	switch pred := p.(type) {
	case IDIn:
		if len(pred.IDs) == 0 {
			return "", nil
		}
		marks := make([]string, len(pred.IDs))
		args := make([]any, len(pred.IDs))
		for i, id := range pred.IDs {
			marks[i] = "?"
			args[i] = id
		}
		return "id IN (" + strings.Join(marks, ", ") + ")", args
	case LastUpdated:
		if c.TimeLayout == "" {
			return "", nil
		}
		lo, hi, ok := instantRange(pred.Value)
		if !ok {
			return "", nil
		}
		// Stored timestamps are exact instants in a fixed-width layout, so
		// lexical order is time order.
		switch pred.Prefix {
		case "ge":
			return "last_updated >= ?", []any{lo.Format(c.TimeLayout)}
		case "gt":
			return "last_updated >= ?", []any{hi.Format(c.TimeLayout)}
		case "lt":
			return "last_updated < ?", []any{lo.Format(c.TimeLayout)}
		case "le":
			return "last_updated < ?", []any{hi.Format(c.TimeLayout)}
		}
	}
	return "", nil
}

// stableOrderKey is binary-collated so result order does not depend on
// locale or SQLite version.
func stableOrderKey() string {
	return "id COLLATE BINARY ASC"
}
