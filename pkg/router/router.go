// Package router commits canonical records to the relational and
// document backends according to a routing plan, evolving the relational
// schema additively as newly SQL-routed fields appear. The two backend
// writes for one record are independent: each is retried with bounded
// backoff and dead-lettered on exhaustion, never silently dropped.
package router

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/analyzer"
	"github.com/datastrata/strata/pkg/backend"
	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/errors"
	"github.com/datastrata/strata/pkg/models"
)

// ingestIDColumn keys both the relational row and the document to the
// same ingestion event, alongside the pinned join fields.
const ingestIDColumn = "ingest_id"

// Router partitions records per plan and commits to both backends.
type Router struct {
	sqlStore   backend.StructuredStore
	docStore   backend.DocumentStore
	table      string
	collection string

	// schemaMu guards schema and tableLocks. Schema mutations on one
	// table are serialized by that table's lock so two records needing
	// the same new column never race to create it twice.
	schemaMu   sync.Mutex
	schema     *models.SchemaState
	tableLocks map[string]*sync.Mutex

	retry      *RetryPolicy
	deadLetter *DeadLetterLog
	timeout    time.Duration
	matchers   []analyzer.Matcher
	logger     *zap.Logger

	onSchemaChange   func(*models.SchemaState)
	onSchemaConflict func(field string)
}

// New creates a router over the given backends and schema state.
func New(sqlStore backend.StructuredStore, docStore backend.DocumentStore, schema *models.SchemaState, cfg *config.Config, deadLetter *DeadLetterLog, logger *zap.Logger) *Router {
	return &Router{
		sqlStore:   sqlStore,
		docStore:   docStore,
		table:      cfg.Backends.Postgres.Table,
		collection: cfg.Backends.Mongo.Collection,
		schema:     schema,
		tableLocks: make(map[string]*sync.Mutex),
		retry:      NewRetryPolicy(cfg.Reliability),
		deadLetter: deadLetter,
		timeout:    cfg.Reliability.BackendTimeout,
		matchers:   analyzer.DefaultMatchers(),
		logger:     logger.With(zap.String("component", "router")),
	}
}

// OnSchemaChange registers a hook invoked with a schema snapshot after
// every mutation, used to persist the state.
func (r *Router) OnSchemaChange(fn func(*models.SchemaState)) { r.onSchemaChange = fn }

// OnSchemaConflict registers a hook invoked when a field is demoted to
// the document store for a record, used to flag the decision.
func (r *Router) OnSchemaConflict(fn func(field string)) { r.onSchemaConflict = fn }

// Outcome reports the per-backend result of one commit. Every field of
// the record ends up committed or dead-lettered; cancellation never
// leaves an unrecorded partial commit.
type Outcome struct {
	IngestID        string
	SQLFields       []string
	DocFields       []string
	DemotedFields   []string
	SQLCommitted    bool
	DocCommitted    bool
	SQLDeadLettered bool
	DocDeadLettered bool
}

// Commit routes one record. Backend writes run concurrently once the
// relational schema phase has settled which fields stay on the SQL side.
func (r *Router) Commit(ctx context.Context, record *models.CanonicalRecord, plan *models.RoutingPlan) (*Outcome, error) {
	outcome := &Outcome{IngestID: uuid.NewString()}

	sqlFields := make([]string, 0, len(plan.SQLFields)+len(plan.BothFields))
	sqlFields = append(sqlFields, plan.SQLFields...)
	sqlFields = append(sqlFields, plan.BothFields...)

	docFields := make([]string, 0, len(plan.MongoFields)+len(plan.BothFields))
	docFields = append(docFields, plan.MongoFields...)
	docFields = append(docFields, plan.BothFields...)

	var row map[string]interface{}
	if len(sqlFields) > 0 {
		var demoted []string
		var err error
		row, demoted, err = r.prepareRow(ctx, record, sqlFields, plan.UniqueFields, outcome.IngestID)
		if err != nil {
			// Schema evolution failed; the whole SQL subset is
			// dead-lettered and the document side still proceeds.
			if dlErr := r.deadLetterFields(record, sqlFields, outcome.IngestID, "sql", "schema_evolution_failed", err); dlErr != nil {
				return outcome, dlErr
			}
			outcome.SQLDeadLettered = true
			row = nil
		}
		for _, f := range demoted {
			docFields = append(docFields, f)
			outcome.DemotedFields = append(outcome.DemotedFields, f)
			if r.onSchemaConflict != nil {
				r.onSchemaConflict(f)
			}
		}
	}

	outcome.DocFields = docFields

	var wg sync.WaitGroup
	var sqlErr, docErr error

	if row != nil {
		outcome.SQLFields = rowFieldNames(row)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sqlErr = r.commitSQL(ctx, row, outcome)
		}()
	}

	if len(docFields) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docErr = r.commitDoc(ctx, record, docFields, outcome)
		}()
	}

	wg.Wait()

	if sqlErr != nil {
		return outcome, sqlErr
	}
	return outcome, docErr
}

// prepareRow runs the schema phase under the table lock: ensures the
// table and every required column exist, applies pending uniqueness
// constraints, and detects per-field type conflicts. Conflicting fields
// are demoted to the document store for this record.
func (r *Router) prepareRow(ctx context.Context, record *models.CanonicalRecord, sqlFields, uniqueFields []string, ingestID string) (map[string]interface{}, []string, error) {
	lock := r.tableLock(r.table)
	lock.Lock()
	defer lock.Unlock()

	r.schemaMu.Lock()
	table := r.schema.EnsureTable(r.table)
	r.schemaMu.Unlock()

	if err := r.withBackendRetry(ctx, func(c context.Context) error {
		return r.sqlStore.EnsureTable(c, r.table)
	}); err != nil {
		return nil, nil, err
	}

	changed := false
	row := map[string]interface{}{ingestIDColumn: ingestID}
	var demoted []string

	for _, field := range sqlFields {
		value, _ := record.Get(field)
		det := analyzer.DetectValue(value, r.matchers)
		desired := sqlTypeFor(det.TypeTag)

		col, exists := table.Column(field)
		if !exists {
			if err := r.withBackendRetry(ctx, func(c context.Context) error {
				return r.sqlStore.EnsureColumn(c, r.table, field, desired)
			}); err != nil {
				return nil, nil, err
			}
			r.schemaMu.Lock()
			table.AddColumn(field, desired)
			col, _ = table.Column(field)
			r.schemaMu.Unlock()
			changed = true
			r.logger.Info("column added",
				zap.String("table", r.table),
				zap.String("column", field),
				zap.String("type", desired))
		}

		switch {
		case col.SQLType == desired:
			row[field] = sqlValue(value, det)
		case col.SQLType == "TEXT":
			// Widening to text is always safe.
			row[field] = stringify(value, det)
		default:
			// Incompatible with the existing column type: document-store
			// fallback for this record, decision flagged for review.
			demoted = append(demoted, field)
			r.logger.Warn("schema conflict, demoting field to document store",
				zap.String("field", field),
				zap.String("column_type", col.SQLType),
				zap.String("value_type", det.TypeTag))
		}
	}

	for _, field := range uniqueFields {
		col, exists := table.Column(field)
		if !exists || col.Unique {
			continue
		}
		if err := r.withBackendRetry(ctx, func(c context.Context) error {
			return r.sqlStore.AddUniqueConstraint(c, r.table, field)
		}); err != nil {
			return nil, nil, err
		}
		r.schemaMu.Lock()
		col.Unique = true
		r.schemaMu.Unlock()
		changed = true
		r.logger.Info("unique constraint added",
			zap.String("table", r.table),
			zap.String("column", field))
	}

	if changed && r.onSchemaChange != nil {
		r.schemaMu.Lock()
		snapshot := r.schema.Clone()
		r.schemaMu.Unlock()
		r.onSchemaChange(snapshot)
	}

	return row, demoted, nil
}

func (r *Router) commitSQL(ctx context.Context, row map[string]interface{}, outcome *Outcome) error {
	err := r.withBackendRetry(ctx, func(c context.Context) error {
		return r.sqlStore.InsertRow(c, r.table, row)
	})
	if err == nil {
		outcome.SQLCommitted = true
		return nil
	}

	if errors.IsType(err, errors.ErrorTypeSchemaConflict) {
		// The insert itself tripped a conflict the column check missed;
		// the whole row falls back to the document store.
		doc := make(map[string]interface{}, len(row))
		for k, v := range row {
			if k == ingestIDColumn {
				continue
			}
			doc[k] = v
			outcome.DemotedFields = append(outcome.DemotedFields, k)
			if r.onSchemaConflict != nil {
				r.onSchemaConflict(k)
			}
		}
		return r.insertDemoted(ctx, doc, outcome)
	}

	if dlErr := r.deadLetterRow(row, outcome.IngestID, "sql", err); dlErr != nil {
		return dlErr
	}
	outcome.SQLDeadLettered = true
	return nil
}

func (r *Router) insertDemoted(ctx context.Context, doc map[string]interface{}, outcome *Outcome) error {
	doc[ingestIDColumn] = outcome.IngestID
	err := r.withBackendRetry(ctx, func(c context.Context) error {
		return r.docStore.InsertDocument(c, r.collection, doc)
	})
	if err == nil {
		return nil
	}
	if dlErr := r.deadLetterRow(doc, outcome.IngestID, "mongo", err); dlErr != nil {
		return dlErr
	}
	outcome.DocDeadLettered = true
	return nil
}

func (r *Router) commitDoc(ctx context.Context, record *models.CanonicalRecord, docFields []string, outcome *Outcome) error {
	doc := make(map[string]interface{}, len(docFields)+1)
	doc[ingestIDColumn] = outcome.IngestID
	for _, f := range docFields {
		if v, ok := record.Get(f); ok {
			doc[f] = v
		}
	}

	err := r.withBackendRetry(ctx, func(c context.Context) error {
		return r.docStore.InsertDocument(c, r.collection, doc)
	})
	if err == nil {
		outcome.DocCommitted = true
		return nil
	}

	if dlErr := r.deadLetterRow(doc, outcome.IngestID, "mongo", err); dlErr != nil {
		return dlErr
	}
	outcome.DocDeadLettered = true
	return nil
}

// withBackendRetry applies the retry policy with a per-attempt timeout.
// Only retryable (unavailable/timeout) errors are retried.
func (r *Router) withBackendRetry(ctx context.Context, fn func(context.Context) error) error {
	return r.retry.ExecuteWithCondition(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return fn(attemptCtx)
	}, errors.IsRetryable)
}

func (r *Router) deadLetterFields(record *models.CanonicalRecord, fields []string, ingestID, backendName, reason string, cause error) error {
	values := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := record.Get(f); ok {
			values[f] = v
		}
	}
	return r.deadLetter.Append(&DeadLetterEntry{
		IngestID: ingestID,
		Backend:  backendName,
		Reason:   reason,
		Error:    cause.Error(),
		Attempts: r.retry.MaxAttempts,
		Fields:   values,
		FailedAt: time.Now().UTC(),
	})
}

func (r *Router) deadLetterRow(row map[string]interface{}, ingestID, backendName string, cause error) error {
	fields := make(map[string]interface{}, len(row))
	for k, v := range row {
		if k != ingestIDColumn {
			fields[k] = v
		}
	}
	return r.deadLetter.Append(&DeadLetterEntry{
		IngestID: ingestID,
		Backend:  backendName,
		Reason:   "retries_exhausted",
		Error:    cause.Error(),
		Attempts: r.retry.MaxAttempts,
		Fields:   fields,
		FailedAt: time.Now().UTC(),
	})
}

func (r *Router) tableLock(table string) *sync.Mutex {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	lock, ok := r.tableLocks[table]
	if !ok {
		lock = &sync.Mutex{}
		r.tableLocks[table] = lock
	}
	return lock
}

// sqlTypeFor maps a detection type tag onto a relational column type.
// Pattern-qualified strings stay textual.
func sqlTypeFor(typeTag string) string {
	switch typeTag {
	case models.TypeInteger:
		return "BIGINT"
	case models.TypeFloat:
		return "DOUBLE PRECISION"
	case models.TypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// sqlValue converts a detected value into the driver-facing form for its
// column type, e.g. a numeric string into an int64 for a BIGINT column.
func sqlValue(value interface{}, det analyzer.Detection) interface{} {
	switch det.TypeTag {
	case models.TypeInteger:
		switch v := value.(type) {
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case float64:
			return int64(v)
		}
	case models.TypeFloat:
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	}
	return value
}

// stringify renders any scalar as text for a TEXT column.
func stringify(value interface{}, det analyzer.Detection) interface{} {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		return s
	}
	if det.ScalarKey != "" {
		return det.ScalarKey
	}
	return det.TypeTag
}

func rowFieldNames(row map[string]interface{}) []string {
	out := make([]string, 0, len(row))
	for k := range row {
		if k != ingestIDColumn {
			out = append(out, k)
		}
	}
	return out
}
