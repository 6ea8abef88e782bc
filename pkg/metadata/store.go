// Package metadata persists statistics, placement decisions and schema
// state in an embedded SQLite database. It is the sole source of truth
// across restarts: the in-memory analyzer and classifier are caches that
// must be rebuildable from it. All writes go through transactions so a
// crash mid-persist never corrupts previously committed state.
package metadata

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/datastrata/strata/pkg/errors"
	"github.com/datastrata/strata/pkg/models"
)

// layoutVersion is bumped when the durable layout changes incompatibly.
const layoutVersion = 1

// ErrStaleDecision is returned when a decision write is not the
// immediate successor of the stored version (optimistic concurrency).
var ErrStaleDecision = stderrors.New("stale placement decision version")

// Store is the durable metadata store.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// State is the full durable state returned by Load.
type State struct {
	Global    models.GlobalStats
	Fields    map[string]*models.FieldStats
	Decisions map[string]*models.PlacementDecision
	Schema    *models.SchemaState
}

// Delta is a batch of updated entities to persist atomically.
type Delta struct {
	Global    *models.GlobalStats
	Fields    []*models.FieldStats
	Decisions []*models.PlacementDecision
	Schema    *models.SchemaState
}

// Empty reports whether the delta carries nothing to write.
func (d *Delta) Empty() bool {
	return d.Global == nil && len(d.Fields) == 0 && len(d.Decisions) == 0 && d.Schema == nil
}

// Open opens (or creates) the store at path and verifies its layout. A
// corrupted database is fatal: the error is typed metadata_corruption
// and startup must halt pending explicit operator recovery.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open metadata database")
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger.With(zap.String("component", "metadata"), zap.String("path", path)),
	}

	if err := s.verifyIntegrity(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) verifyIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "integrity check failed")
	}
	if result != "ok" {
		return errors.New(errors.ErrorTypeMetadataCorruption, "integrity check failed").
			WithDetail("result", result)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS global_stats (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			total_records INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS field_stats (
			name       TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS placement_decisions (
			field_name       TEXT PRIMARY KEY,
			decision_version INTEGER NOT NULL,
			payload          TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create metadata tables")
		}
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'layout_version'").Scan(&stored)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES ('layout_version', ?)",
			fmt.Sprintf("%d", layoutVersion))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to stamp layout version")
		}
	case err != nil:
		return errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to read layout version")
	case stored != fmt.Sprintf("%d", layoutVersion):
		return errors.New(errors.ErrorTypeMetadataCorruption, "unsupported metadata layout version").
			WithDetail("stored", stored).
			WithDetail("supported", layoutVersion)
	}
	return nil
}

// Load restores the full durable state. A fresh database yields empty
// state; unreadable payloads are fatal, never guessed around.
func (s *Store) Load(ctx context.Context) (*State, error) {
	state := &State{
		Fields:    make(map[string]*models.FieldStats),
		Decisions: make(map[string]*models.PlacementDecision),
		Schema:    models.NewSchemaState(),
	}

	err := s.db.QueryRowContext(ctx, "SELECT total_records FROM global_stats WHERE id = 1").
		Scan(&state.Global.TotalRecords)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to load global stats")
	}

	rows, err := s.db.QueryContext(ctx, "SELECT name, payload FROM field_stats")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to load field stats")
	}
	defer rows.Close()
	for rows.Next() {
		var name, payload string
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to scan field stats")
		}
		fs := &models.FieldStats{}
		if err := json.Unmarshal([]byte(payload), fs); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "unreadable field stats payload").
				WithDetail("field", name)
		}
		state.Fields[name] = fs
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to iterate field stats")
	}

	drows, err := s.db.QueryContext(ctx, "SELECT field_name, payload FROM placement_decisions")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to load decisions")
	}
	defer drows.Close()
	for drows.Next() {
		var name, payload string
		if err := drows.Scan(&name, &payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to scan decision")
		}
		d := &models.PlacementDecision{}
		if err := json.Unmarshal([]byte(payload), d); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "unreadable decision payload").
				WithDetail("field", name)
		}
		state.Decisions[name] = d
	}
	if err := drows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to iterate decisions")
	}

	var schemaPayload string
	err = s.db.QueryRowContext(ctx, "SELECT payload FROM schema_state WHERE id = 1").Scan(&schemaPayload)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		// first run
	case err != nil:
		return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "failed to load schema state")
	default:
		if err := json.Unmarshal([]byte(schemaPayload), state.Schema); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMetadataCorruption, "unreadable schema state payload")
		}
		if state.Schema.Tables == nil {
			state.Schema.Tables = make(map[string]*models.TableSchema)
		}
	}

	s.logger.Info("metadata loaded",
		zap.Int64("total_records", state.Global.TotalRecords),
		zap.Int("fields", len(state.Fields)),
		zap.Int("decisions", len(state.Decisions)),
		zap.Int("tables", len(state.Schema.Tables)))

	return state, nil
}

// PersistDelta writes a batch of updated entities in one transaction.
// Decision writes enforce optimistic concurrency: a write is accepted
// only if its version is the immediate successor of the stored version.
func (s *Store) PersistDelta(ctx context.Context, delta *Delta) error {
	if delta.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to begin metadata transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if delta.Global != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO global_stats (id, total_records) VALUES (1, ?)
			 ON CONFLICT (id) DO UPDATE SET total_records = excluded.total_records
			 WHERE excluded.total_records >= global_stats.total_records`,
			delta.Global.TotalRecords)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to persist global stats")
		}
	}

	for _, fs := range delta.Fields {
		payload, err := json.Marshal(fs)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode field stats").
				WithDetail("field", fs.Name)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO field_stats (name, payload, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			fs.Name, string(payload), now)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to persist field stats").
				WithDetail("field", fs.Name)
		}
	}

	for _, d := range delta.Decisions {
		if err := s.persistDecision(ctx, tx, d, now); err != nil {
			return err
		}
	}

	if delta.Schema != nil {
		payload, err := json.Marshal(delta.Schema)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema state")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_state (id, payload, updated_at) VALUES (1, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			string(payload), now)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to persist schema state")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to commit metadata transaction")
	}
	return nil
}

// DecisionVersions returns the stored version of every placement
// decision. Callers use it to realign an in-memory registry whose
// versions ran ahead after a rejected write.
func (s *Store) DecisionVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT field_name, decision_version FROM placement_decisions")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load decision versions")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var version int64
		if err := rows.Scan(&name, &version); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to scan decision version")
		}
		out[name] = version
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to iterate decision versions")
	}
	return out, nil
}

func (s *Store) persistDecision(ctx context.Context, tx *sql.Tx, d *models.PlacementDecision, now string) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode decision").
			WithDetail("field", d.FieldName)
	}

	var stored int64
	err = tx.QueryRowContext(ctx,
		"SELECT decision_version FROM placement_decisions WHERE field_name = ?", d.FieldName).
		Scan(&stored)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		if d.DecisionVersion != 1 {
			return errors.Wrap(ErrStaleDecision, errors.ErrorTypeStaleDecision, "first decision write must be version 1").
				WithDetail("field", d.FieldName).
				WithDetail("version", d.DecisionVersion)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO placement_decisions (field_name, decision_version, payload, updated_at) VALUES (?, ?, ?, ?)",
			d.FieldName, d.DecisionVersion, string(payload), now)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to insert decision").
				WithDetail("field", d.FieldName)
		}
		return nil
	case err != nil:
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to read stored decision version").
			WithDetail("field", d.FieldName)
	}

	if d.DecisionVersion == stored {
		// Checkpoint re-write of an unchanged decision.
		return nil
	}
	if d.DecisionVersion != stored+1 {
		return errors.Wrap(ErrStaleDecision, errors.ErrorTypeStaleDecision, "decision version is not the immediate successor").
			WithDetail("field", d.FieldName).
			WithDetail("stored", stored).
			WithDetail("incoming", d.DecisionVersion)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE placement_decisions SET decision_version = ?, payload = ?, updated_at = ? WHERE field_name = ? AND decision_version = ?",
		d.DecisionVersion, string(payload), now, d.FieldName, stored)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to update decision").
			WithDetail("field", d.FieldName)
	}
	return nil
}

// Close flushes WAL contents and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal checkpoint failed on close", zap.Error(err))
	}
	return s.db.Close()
}
