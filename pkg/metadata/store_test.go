package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/errors"
	"github.com/datastrata/strata/pkg/models"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := Open(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func sampleFieldStats(name string) *models.FieldStats {
	fs := models.NewFieldStats(name, 4)
	fs.TotalSeen = 42
	fs.RecordType(models.TypeInteger, 4)
	fs.TypeCounts = map[string]int64{
		models.TypeInteger: 40,
		models.TypeString:  2,
	}
	fs.PatternMatches["ip"] = 3
	fs.DistinctCount = 17
	fs.FirstSeenAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	fs.LastSeenAt = time.Now().UTC().Truncate(time.Second)
	return fs
}

func TestFreshStoreLoadsEmptyState(t *testing.T) {
	store, _ := openTestStore(t)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Global.TotalRecords)
	assert.Empty(t, state.Fields)
	assert.Empty(t, state.Decisions)
	assert.Empty(t, state.Schema.Tables)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	decision := &models.PlacementDecision{
		FieldName:       "age",
		Backend:         models.BackendSQL,
		DecisionVersion: 1,
		DecidedAt:       time.Now().UTC().Truncate(time.Second),
		Reason:          "high frequency, stable type",
		Confidence:      0.97,
		Evidence: models.DecisionEvidence{
			Frequency:         0.98,
			DominantType:      models.TypeInteger,
			DominantTypeRatio: 0.99,
			SampleSize:        42,
		},
		Unique: true,
	}

	schema := models.NewSchemaState()
	table := schema.EnsureTable("records")
	table.AddColumn("age", "BIGINT")
	col, _ := table.Column("age")
	col.Unique = true

	err := store.PersistDelta(ctx, &Delta{
		Global:    &models.GlobalStats{TotalRecords: 42},
		Fields:    []*models.FieldStats{sampleFieldStats("age")},
		Decisions: []*models.PlacementDecision{decision},
		Schema:    schema,
	})
	require.NoError(t, err)

	state, err := store.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(42), state.Global.TotalRecords)

	fs := state.Fields["age"]
	require.NotNil(t, fs)
	assert.Equal(t, int64(42), fs.TotalSeen)
	assert.Equal(t, int64(40), fs.TypeCounts[models.TypeInteger])
	assert.Equal(t, int64(3), fs.PatternMatches["ip"])
	assert.Equal(t, int64(17), fs.DistinctCount)
	assert.Equal(t, []string{models.TypeInteger}, fs.RecentTypes)

	d := state.Decisions["age"]
	require.NotNil(t, d)
	assert.Equal(t, decision.Backend, d.Backend)
	assert.Equal(t, decision.DecisionVersion, d.DecisionVersion)
	assert.Equal(t, decision.Reason, d.Reason)
	assert.InDelta(t, decision.Confidence, d.Confidence, 1e-9)
	assert.Equal(t, decision.Evidence, d.Evidence)
	assert.True(t, d.Unique)

	restored, ok := state.Schema.Tables["records"]
	require.True(t, ok)
	restoredCol, ok := restored.Column("age")
	require.True(t, ok)
	assert.Equal(t, "BIGINT", restoredCol.SQLType)
	assert.True(t, restoredCol.Unique)
}

func TestDecisionOptimisticConcurrency(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	d := func(version int64) *models.PlacementDecision {
		return &models.PlacementDecision{
			FieldName:       "age",
			Backend:         models.BackendSQL,
			DecisionVersion: version,
		}
	}

	// First write must be version 1.
	err := store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d(2)}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStaleDecision))

	require.NoError(t, store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d(1)}}))

	// Skipping a version is rejected.
	err = store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d(3)}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStaleDecision))

	// The immediate successor is accepted.
	require.NoError(t, store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d(2)}}))

	// Re-writing the stored version is an idempotent no-op.
	require.NoError(t, store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d(2)}}))

	// An older version is stale.
	err = store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d(1)}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStaleDecision))

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Decisions["age"].DecisionVersion)
}

func TestRejectedDeltaLeavesNothingBehind(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Global and field writes ride in the same transaction as the stale
	// decision; the rollback must discard all of them.
	err := store.PersistDelta(ctx, &Delta{
		Global: &models.GlobalStats{TotalRecords: 10},
		Fields: []*models.FieldStats{sampleFieldStats("age")},
		Decisions: []*models.PlacementDecision{{
			FieldName: "age", Backend: models.BackendSQL, DecisionVersion: 7,
		}},
	})
	require.Error(t, err)

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Global.TotalRecords)
	assert.Empty(t, state.Fields)
}

func TestGlobalCountIsMonotonic(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistDelta(ctx, &Delta{Global: &models.GlobalStats{TotalRecords: 100}}))
	require.NoError(t, store.PersistDelta(ctx, &Delta{Global: &models.GlobalStats{TotalRecords: 50}}))

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.Global.TotalRecords)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	store, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.PersistDelta(ctx, &Delta{
		Global: &models.GlobalStats{TotalRecords: 7},
		Fields: []*models.FieldStats{sampleFieldStats("age")},
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	state, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Global.TotalRecords)
	assert.Contains(t, state.Fields, "age")
}

func TestCorruptDatabaseIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database at all"), 0o644))

	_, err := Open(context.Background(), path, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestCorruptPayloadIsFatal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		"INSERT INTO field_stats (name, payload, updated_at) VALUES ('bad', '{not json', 'now')")
	require.NoError(t, err)

	_, err = store.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestDecisionVersionsListsStoredVersions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, d := range []*models.PlacementDecision{
		{FieldName: "age", Backend: models.BackendSQL, DecisionVersion: 1},
		{FieldName: "metadata", Backend: models.BackendMongo, DecisionVersion: 1},
	} {
		require.NoError(t, store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{d}}))
	}
	bump := &models.PlacementDecision{FieldName: "age", Backend: models.BackendSQL, DecisionVersion: 2}
	require.NoError(t, store.PersistDelta(ctx, &Delta{Decisions: []*models.PlacementDecision{bump}}))

	versions, err := store.DecisionVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"age": 2, "metadata": 1}, versions)
}
