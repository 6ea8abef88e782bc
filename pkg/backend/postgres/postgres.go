// Package postgres implements the structured-store interface on
// PostgreSQL via pgx. All DDL is additive create-if-absent so concurrent
// ensure calls for the same table or column are safe.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/errors"
)

// Store is a pgx-backed StructuredStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres configuration")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBackendUnavailable, "postgres unreachable")
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "postgres")),
	}, nil
}

// EnsureTable creates the table if absent. Every table carries the
// ingest event key so rows join against the document store.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (ingest_id TEXT PRIMARY KEY)",
		pgx.Identifier{table}.Sanitize())
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return classify(err, "failed to ensure table", table)
	}
	return nil
}

// EnsureColumn adds a column if absent.
func (s *Store) EnsureColumn(ctx context.Context, table, column, sqlType string) error {
	stmt := fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{column}.Sanitize(),
		sqlType)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return classify(err, "failed to ensure column", table)
	}
	return nil
}

// AddUniqueConstraint enforces uniqueness via a unique index, which is
// the idempotent form of the constraint.
func (s *Store) AddUniqueConstraint(ctx context.Context, table, column string) error {
	idx := fmt.Sprintf("uq_%s_%s", table, column)
	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgx.Identifier{idx}.Sanitize(),
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{column}.Sanitize())
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return classify(err, "failed to add unique constraint", table)
	}
	return nil
}

// InsertRow inserts one row. Columns are ordered deterministically so
// statement caching stays effective.
func (s *Store) InsertRow(ctx context.Context, table string, row map[string]interface{}) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))

	if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
		return classify(err, "failed to insert row", table)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// classify maps driver errors onto the error taxonomy: type mismatches
// become schema conflicts (the router demotes the fields to the document
// store), connection-class failures become retryable.
func classify(err error, msg, table string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42804" || pgErr.Code == "22P02" || pgErr.Code == "22003":
			return errors.Wrap(err, errors.ErrorTypeSchemaConflict, msg).
				WithDetail("table", table).
				WithDetail("sqlstate", pgErr.Code)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01":
			return errors.Wrap(err, errors.ErrorTypeBackendUnavailable, msg).
				WithDetail("table", table).
				WithDetail("sqlstate", pgErr.Code)
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg).WithDetail("table", table)
	}
	return errors.Wrap(err, errors.ErrorTypeBackendUnavailable, msg).WithDetail("table", table)
}
