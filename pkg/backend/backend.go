// Package backend defines the minimal storage interfaces the router
// commits through. Implementations live in subpackages; the core never
// depends on a concrete driver.
package backend

import "context"

// StructuredStore is the relational side. Schema operations are
// additive and idempotent: ensuring an existing table or column is a
// no-op, safe under concurrent callers.
type StructuredStore interface {
	// EnsureTable creates the table if absent.
	EnsureTable(ctx context.Context, table string) error
	// EnsureColumn adds a column if absent.
	EnsureColumn(ctx context.Context, table, column, sqlType string) error
	// AddUniqueConstraint enforces uniqueness on a column.
	AddUniqueConstraint(ctx context.Context, table, column string) error
	// InsertRow inserts one row keyed by column name.
	InsertRow(ctx context.Context, table string, row map[string]interface{}) error
}

// DocumentStore is the schema-less side.
type DocumentStore interface {
	// InsertDocument inserts one document into a collection.
	InsertDocument(ctx context.Context, collection string, doc map[string]interface{}) error
}
