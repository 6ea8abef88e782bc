package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/errors"
	"github.com/datastrata/strata/pkg/models"
)

type fakeSQLStore struct {
	mu          sync.Mutex
	columns     map[string]string
	uniqueCols  []string
	rows        []map[string]interface{}
	insertErr   error
	insertFails int // fail this many inserts, then succeed
}

func newFakeSQLStore() *fakeSQLStore {
	return &fakeSQLStore{columns: make(map[string]string)}
}

func (f *fakeSQLStore) EnsureTable(context.Context, string) error { return nil }

func (f *fakeSQLStore) EnsureColumn(_ context.Context, _, column, sqlType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns[column] = sqlType
	return nil
}

func (f *fakeSQLStore) AddUniqueConstraint(_ context.Context, _, column string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uniqueCols = append(f.uniqueCols, column)
	return nil
}

func (f *fakeSQLStore) InsertRow(_ context.Context, _ string, row map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFails > 0 {
		f.insertFails--
		err := f.insertErr
		if f.insertFails == 0 {
			f.insertErr = nil
		}
		return err
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := make(map[string]interface{}, len(row))
	for k, v := range row {
		cp[k] = v
	}
	f.rows = append(f.rows, cp)
	return nil
}

type fakeDocStore struct {
	mu        sync.Mutex
	docs      []map[string]interface{}
	insertErr error
}

func (f *fakeDocStore) InsertDocument(_ context.Context, _ string, doc map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	f.docs = append(f.docs, cp)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig("test")
	cfg.Reliability.RetryAttempts = 2
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 2 * time.Millisecond
	cfg.Reliability.BackendTimeout = time.Second
	return cfg
}

func newTestRouter(t *testing.T, sqlStore *fakeSQLStore, docStore *fakeDocStore, schema *models.SchemaState) (*Router, *DeadLetterLog, string) {
	t.Helper()
	dlPath := filepath.Join(t.TempDir(), "deadletter.jsonl")
	dl, err := OpenDeadLetterLog(dlPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Close() })

	if schema == nil {
		schema = models.NewSchemaState()
	}
	return New(sqlStore, docStore, schema, testConfig(t), dl, zap.NewNop()), dl, dlPath
}

func testRecord() *models.CanonicalRecord {
	r := models.NewCanonicalRecord()
	r.Set(models.FieldUsername, "user_7")
	r.Set(models.FieldIngestedAt, "2026-08-25T10:30:00Z")
	r.Set("age", 30)
	r.Set("metadata", map[string]interface{}{"browser": "Firefox"})
	return r
}

func testPlan() *models.RoutingPlan {
	return &models.RoutingPlan{
		SQLFields:   []string{"age"},
		MongoFields: []string{"metadata"},
		BothFields:  []string{models.FieldUsername, models.FieldIngestedAt},
	}
}

func TestCommitRoutesEveryField(t *testing.T) {
	sqlStore := newFakeSQLStore()
	docStore := &fakeDocStore{}
	r, _, _ := newTestRouter(t, sqlStore, docStore, nil)

	outcome, err := r.Commit(context.Background(), testRecord(), testPlan())
	require.NoError(t, err)

	assert.True(t, outcome.SQLCommitted)
	assert.True(t, outcome.DocCommitted)
	assert.NotEmpty(t, outcome.IngestID)

	require.Len(t, sqlStore.rows, 1)
	row := sqlStore.rows[0]
	assert.EqualValues(t, 30, row["age"])
	assert.Equal(t, "user_7", row[models.FieldUsername])
	assert.Equal(t, outcome.IngestID, row["ingest_id"])
	assert.NotContains(t, row, "metadata")

	require.Len(t, docStore.docs, 1)
	doc := docStore.docs[0]
	assert.Equal(t, "user_7", doc[models.FieldUsername])
	assert.Contains(t, doc, "metadata")
	assert.Equal(t, outcome.IngestID, doc["ingest_id"])
	assert.NotContains(t, doc, "age")

	// The join key lands in both stores under the same ingest id.
	assert.Equal(t, row["ingest_id"], doc["ingest_id"])
}

func TestSchemaEvolutionIsAdditive(t *testing.T) {
	sqlStore := newFakeSQLStore()
	schema := models.NewSchemaState()
	r, _, _ := newTestRouter(t, sqlStore, &fakeDocStore{}, schema)

	_, err := r.Commit(context.Background(), testRecord(), testPlan())
	require.NoError(t, err)

	assert.Equal(t, "BIGINT", sqlStore.columns["age"])
	assert.Equal(t, "TEXT", sqlStore.columns[models.FieldUsername])

	table, ok := schema.Tables["records"]
	require.True(t, ok)
	_, ok = table.Column("age")
	assert.True(t, ok)
}

func TestSchemaConflictDemotesFieldForRecord(t *testing.T) {
	sqlStore := newFakeSQLStore()
	docStore := &fakeDocStore{}

	schema := models.NewSchemaState()
	schema.EnsureTable("records").AddColumn("age", "BIGINT")
	sqlStore.columns["age"] = "BIGINT"

	r, _, _ := newTestRouter(t, sqlStore, docStore, schema)

	var flagged []string
	r.OnSchemaConflict(func(field string) { flagged = append(flagged, field) })

	record := models.NewCanonicalRecord()
	record.Set(models.FieldUsername, "user_7")
	record.Set("age", "definitely not a number")

	plan := &models.RoutingPlan{
		SQLFields:  []string{"age"},
		BothFields: []string{models.FieldUsername},
	}

	outcome, err := r.Commit(context.Background(), record, plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"age"}, outcome.DemotedFields)
	assert.Equal(t, []string{"age"}, flagged)

	// The SQL row went through without the demoted field.
	require.Len(t, sqlStore.rows, 1)
	assert.NotContains(t, sqlStore.rows[0], "age")

	// The demoted value rode along to the document store.
	require.Len(t, docStore.docs, 1)
	assert.Equal(t, "definitely not a number", docStore.docs[0]["age"])
}

func TestTextColumnAcceptsAnyScalar(t *testing.T) {
	sqlStore := newFakeSQLStore()
	schema := models.NewSchemaState()
	schema.EnsureTable("records").AddColumn("age", "TEXT")
	sqlStore.columns["age"] = "TEXT"

	r, _, _ := newTestRouter(t, sqlStore, &fakeDocStore{}, schema)

	record := models.NewCanonicalRecord()
	record.Set(models.FieldUsername, "user_7")
	record.Set("age", 30)

	outcome, err := r.Commit(context.Background(), record, &models.RoutingPlan{
		SQLFields:  []string{"age"},
		BothFields: []string{models.FieldUsername},
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.DemotedFields)

	require.Len(t, sqlStore.rows, 1)
	assert.Equal(t, "30", sqlStore.rows[0]["age"])
}

func TestUniqueConstraintApplied(t *testing.T) {
	sqlStore := newFakeSQLStore()
	schema := models.NewSchemaState()
	r, _, _ := newTestRouter(t, sqlStore, &fakeDocStore{}, schema)

	record := models.NewCanonicalRecord()
	record.Set(models.FieldUsername, "user_7")
	record.Set("session_id", "sess_1_2345")

	plan := &models.RoutingPlan{
		SQLFields:    []string{"session_id"},
		BothFields:   []string{models.FieldUsername},
		UniqueFields: []string{"session_id"},
	}

	_, err := r.Commit(context.Background(), record, plan)
	require.NoError(t, err)
	assert.Contains(t, sqlStore.uniqueCols, "session_id")

	col, ok := schema.Tables["records"].Column("session_id")
	require.True(t, ok)
	assert.True(t, col.Unique)

	// Second commit does not re-issue the constraint.
	_, err = r.Commit(context.Background(), record, plan)
	require.NoError(t, err)
	assert.Len(t, sqlStore.uniqueCols, 1)
}

func TestRetryThenSuccess(t *testing.T) {
	sqlStore := newFakeSQLStore()
	sqlStore.insertErr = errors.New(errors.ErrorTypeBackendUnavailable, "connection refused")
	sqlStore.insertFails = 1

	r, _, _ := newTestRouter(t, sqlStore, &fakeDocStore{}, nil)

	outcome, err := r.Commit(context.Background(), testRecord(), testPlan())
	require.NoError(t, err)
	assert.True(t, outcome.SQLCommitted)
	assert.False(t, outcome.SQLDeadLettered)
	require.Len(t, sqlStore.rows, 1)
}

func TestExhaustedRetriesDeadLetterOneBackendOnly(t *testing.T) {
	sqlStore := newFakeSQLStore()
	docStore := &fakeDocStore{
		insertErr: errors.New(errors.ErrorTypeBackendUnavailable, "mongo down"),
	}

	r, _, dlPath := newTestRouter(t, sqlStore, docStore, nil)

	outcome, err := r.Commit(context.Background(), testRecord(), testPlan())
	require.NoError(t, err)

	// The SQL side committed independently of the document failure.
	assert.True(t, outcome.SQLCommitted)
	assert.False(t, outcome.DocCommitted)
	assert.True(t, outcome.DocDeadLettered)

	data, err := os.ReadFile(dlPath)
	require.NoError(t, err)
	entry := string(data)
	assert.Contains(t, entry, `"backend":"mongo"`)
	assert.Contains(t, entry, "metadata")
	assert.Contains(t, entry, outcome.IngestID)
	assert.Equal(t, 1, strings.Count(entry, "\n"))
}

func TestNonRetryableErrorIsNotRetried(t *testing.T) {
	calls := 0
	policy := NewRetryPolicy(testConfig(t).Reliability)
	err := policy.ExecuteWithCondition(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeInternal, "bad row")
	}, errors.IsRetryable)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestMongoOnlyPlanSkipsSQL(t *testing.T) {
	sqlStore := newFakeSQLStore()
	docStore := &fakeDocStore{}
	r, _, _ := newTestRouter(t, sqlStore, docStore, nil)

	record := models.NewCanonicalRecord()
	record.Set("metadata", map[string]interface{}{"a": 1})

	outcome, err := r.Commit(context.Background(), record, &models.RoutingPlan{
		MongoFields: []string{"metadata"},
	})
	require.NoError(t, err)
	assert.False(t, outcome.SQLCommitted)
	assert.True(t, outcome.DocCommitted)
	assert.Empty(t, sqlStore.rows)
}

func TestInsertConflictDemotionDeadLettersDocSide(t *testing.T) {
	sqlStore := newFakeSQLStore()
	sqlStore.insertErr = errors.New(errors.ErrorTypeSchemaConflict, "value incompatible with column type")
	docStore := &fakeDocStore{insertErr: errors.New(errors.ErrorTypeInternal, "document rejected")}
	r, _, dlPath := newTestRouter(t, sqlStore, docStore, nil)

	record := models.NewCanonicalRecord()
	record.Set("age", 30)

	outcome, err := r.Commit(context.Background(), record, &models.RoutingPlan{SQLFields: []string{"age"}})
	require.NoError(t, err)

	// The demoted row failed on the document side; the dead letter is
	// attributed there, not to SQL.
	assert.Equal(t, []string{"age"}, outcome.DemotedFields)
	assert.True(t, outcome.DocDeadLettered)
	assert.False(t, outcome.SQLDeadLettered)

	data, err := os.ReadFile(dlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"backend":"mongo"`)
}
