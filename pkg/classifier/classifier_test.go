package classifier

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/models"
)

func testThresholds() *config.ThresholdConfig {
	cfg := config.NewDefaultConfig("test")
	cfg.Thresholds.WarmupSamples = 10
	return &cfg.Thresholds
}

func newTestClassifier() *Classifier {
	return New(testThresholds(), zap.NewNop())
}

// stableStats builds a frequent, type-stable, flat field.
func stableStats(name string, seen int64, tag string) *models.FieldStats {
	fs := models.NewFieldStats(name, 50)
	for i := int64(0); i < seen && i < 50; i++ {
		fs.RecordType(tag, 50)
	}
	fs.TotalSeen = seen
	fs.TypeCounts = map[string]int64{tag: seen}
	return fs
}

func nestedStats(name string, seen int64) *models.FieldStats {
	fs := stableStats(name, seen, models.TypeObject)
	fs.MaxDepth = 2
	fs.NestedCount = seen
	return fs
}

func TestWarmupProducesNoDecision(t *testing.T) {
	c := newTestClassifier()
	fs := stableStats("age", 5, models.TypeInteger)
	d := c.Classify(fs, models.GlobalStats{TotalRecords: 5}, nil)
	assert.Nil(t, d)
}

func TestStableFrequentFieldGoesToSQL(t *testing.T) {
	c := newTestClassifier()
	fs := stableStats("age", 100, models.TypeInteger)
	d := c.Classify(fs, models.GlobalStats{TotalRecords: 100}, nil)

	require.NotNil(t, d)
	assert.Equal(t, models.BackendSQL, d.Backend)
	assert.Equal(t, int64(1), d.DecisionVersion)
	assert.Greater(t, d.Confidence, 0.9)
	assert.Equal(t, models.TypeInteger, d.Evidence.DominantType)
}

func TestNestedFieldGoesToMongo(t *testing.T) {
	c := newTestClassifier()
	fs := nestedStats("metadata", 100)
	d := c.Classify(fs, models.GlobalStats{TotalRecords: 100}, nil)

	require.NotNil(t, d)
	assert.Equal(t, models.BackendMongo, d.Backend)
	assert.InDelta(t, 1.0, d.Confidence, 1e-9)
}

func TestSparseFieldGoesToMongo(t *testing.T) {
	c := newTestClassifier()
	fs := stableStats("tags_note", 20, models.TypeString)
	d := c.Classify(fs, models.GlobalStats{TotalRecords: 100}, nil)

	require.NotNil(t, d)
	assert.Equal(t, models.BackendMongo, d.Backend)
	assert.Less(t, d.Evidence.Frequency, 0.3)
}

func TestDriftingFieldGoesToMongo(t *testing.T) {
	c := newTestClassifier()
	fs := models.NewFieldStats("age", 4)
	fs.TotalSeen = 100
	fs.TypeCounts[models.TypeInteger] = 95
	fs.TypeCounts[models.TypeString] = 5
	for i := 0; i < 4; i++ {
		fs.RecentTypes = append(fs.RecentTypes, models.TypeString)
	}

	d := c.Classify(fs, models.GlobalStats{TotalRecords: 100}, nil)
	require.NotNil(t, d)
	assert.Equal(t, models.BackendMongo, d.Backend)
	assert.True(t, d.Evidence.Drift)
}

func TestPinnedFieldsAlwaysBoth(t *testing.T) {
	c := newTestClassifier()

	for _, name := range []string{models.FieldUsername, models.FieldIngestedAt} {
		// Even with a single sample, well under warm-up.
		fs := stableStats(name, 1, models.TypeString)
		d := c.Classify(fs, models.GlobalStats{TotalRecords: 1}, nil)
		require.NotNil(t, d, name)
		assert.Equal(t, models.BackendBoth, d.Backend, name)
		assert.Equal(t, int64(1), d.DecisionVersion)

		// Contrary evidence never moves a pinned field.
		nested := nestedStats(name, 500)
		again := c.Classify(nested, models.GlobalStats{TotalRecords: 500}, d)
		assert.Equal(t, models.BackendBoth, again.Backend)
		assert.Equal(t, int64(1), again.DecisionVersion)
	}
}

func TestHysteresisFlipsAfterSustainedContraryEvidence(t *testing.T) {
	c := newTestClassifier()

	prev := c.Classify(stableStats("age", 100, models.TypeInteger),
		models.GlobalStats{TotalRecords: 100}, nil)
	require.NotNil(t, prev)
	require.Equal(t, models.BackendSQL, prev.Backend)

	contrary := nestedStats("age", 200)
	global := models.GlobalStats{TotalRecords: 200}

	// First two contrary sweeps: no flip, streak accumulates.
	d1 := c.Classify(contrary, global, prev)
	assert.Equal(t, models.BackendSQL, d1.Backend)
	assert.Equal(t, 1, d1.ConsecutiveContrary)
	assert.Equal(t, prev.DecisionVersion+1, d1.DecisionVersion)

	d2 := c.Classify(contrary, global, d1)
	assert.Equal(t, models.BackendSQL, d2.Backend)
	assert.Equal(t, 2, d2.ConsecutiveContrary)

	// Third consecutive contrary sweep reaches the window and flips.
	d3 := c.Classify(contrary, global, d2)
	assert.Equal(t, models.BackendMongo, d3.Backend)
	assert.Equal(t, 0, d3.ConsecutiveContrary)
	assert.Equal(t, d2.DecisionVersion+1, d3.DecisionVersion)
}

func TestAgreementResetsContraryStreak(t *testing.T) {
	c := newTestClassifier()

	prev := c.Classify(stableStats("age", 100, models.TypeInteger),
		models.GlobalStats{TotalRecords: 100}, nil)
	require.NotNil(t, prev)

	contrary := nestedStats("age", 150)
	d1 := c.Classify(contrary, models.GlobalStats{TotalRecords: 150}, prev)
	require.Equal(t, 1, d1.ConsecutiveContrary)

	// Evidence agrees again before the window fills: streak resets,
	// backend stays put.
	agree := stableStats("age", 300, models.TypeInteger)
	d2 := c.Classify(agree, models.GlobalStats{TotalRecords: 300}, d1)
	assert.Equal(t, models.BackendSQL, d2.Backend)
	assert.Equal(t, 0, d2.ConsecutiveContrary)
}

func TestUnchangedDecisionReturnsSameVersion(t *testing.T) {
	c := newTestClassifier()

	prev := c.Classify(stableStats("age", 100, models.TypeInteger),
		models.GlobalStats{TotalRecords: 100}, nil)
	require.NotNil(t, prev)

	next := c.Classify(stableStats("age", 200, models.TypeInteger),
		models.GlobalStats{TotalRecords: 200}, prev)
	assert.Equal(t, prev.DecisionVersion, next.DecisionVersion)
	assert.Same(t, prev, next)
}

func TestAmbiguityCapsConfidence(t *testing.T) {
	c := newTestClassifier()
	fs := stableStats("age", 100, models.TypeInteger)
	fs.AmbiguousCount = 60

	d := c.Classify(fs, models.GlobalStats{TotalRecords: 100}, nil)
	require.NotNil(t, d)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.Contains(t, d.Reason, "ambiguous")
}

func TestUniqueEligibility(t *testing.T) {
	c := newTestClassifier()
	fs := stableStats("session_id", 100, models.TypeString)
	fs.DistinctCount = 98

	d := c.Classify(fs, models.GlobalStats{TotalRecords: 100}, nil)
	require.NotNil(t, d)
	assert.Equal(t, models.BackendSQL, d.Backend)
	assert.True(t, d.Unique)
}

func TestFlagForReviewBumpsVersion(t *testing.T) {
	c := newTestClassifier()
	c.Restore(map[string]*models.PlacementDecision{
		"age": {FieldName: "age", Backend: models.BackendSQL, DecisionVersion: 3},
	})

	d, ok := c.FlagForReview("age")
	require.True(t, ok)
	assert.True(t, d.NeedsReview)
	assert.Equal(t, int64(4), d.DecisionVersion)

	// Second flag while already under review is a no-op.
	_, ok = c.FlagForReview("age")
	assert.False(t, ok)

	_, ok = c.FlagForReview("never_decided")
	assert.False(t, ok)
}

func TestEvaluateReturnsOnlyChangedDecisions(t *testing.T) {
	c := newTestClassifier()
	fields := map[string]*models.FieldStats{
		"age":      stableStats("age", 100, models.TypeInteger),
		"metadata": nestedStats("metadata", 100),
		"young":    stableStats("young", 3, models.TypeString), // warm-up
	}
	global := models.GlobalStats{TotalRecords: 100}

	changed := c.Evaluate(global, fields)
	assert.Len(t, changed, 2)

	// Second sweep with the same evidence changes nothing.
	changed = c.Evaluate(global, fields)
	assert.Empty(t, changed)
}

func TestPlanRecordCoversEveryField(t *testing.T) {
	c := newTestClassifier()
	c.Restore(map[string]*models.PlacementDecision{
		"age":        {FieldName: "age", Backend: models.BackendSQL, DecisionVersion: 1},
		"metadata":   {FieldName: "metadata", Backend: models.BackendMongo, DecisionVersion: 1},
		"session_id": {FieldName: "session_id", Backend: models.BackendSQL, DecisionVersion: 1, Unique: true},
	})

	r := models.NewCanonicalRecord()
	for i, name := range []string{models.FieldUsername, models.FieldIngestedAt,
		"age", "metadata", "session_id", "brand_new"} {
		r.Set(name, fmt.Sprintf("v%d", i))
	}

	plan := c.PlanRecord(r)

	assert.ElementsMatch(t, []string{"age", "session_id"}, plan.SQLFields)
	assert.ElementsMatch(t, []string{models.FieldUsername, models.FieldIngestedAt}, plan.BothFields)
	// Undecided fields default to the document store.
	assert.ElementsMatch(t, []string{"metadata", "brand_new"}, plan.MongoFields)
	assert.ElementsMatch(t, []string{"session_id"}, plan.UniqueFields)

	// Nothing dropped: the partitions cover the record exactly.
	assert.ElementsMatch(t, r.Fields(), plan.AllFields())
}

func TestReconcileVersionsRealignsWithStore(t *testing.T) {
	c := newTestClassifier()
	c.Restore(map[string]*models.PlacementDecision{
		"age":      {FieldName: "age", Backend: models.BackendSQL, DecisionVersion: 3, NeedsReview: true},
		"country":  {FieldName: "country", Backend: models.BackendSQL, DecisionVersion: 2},
		"metadata": {FieldName: "metadata", Backend: models.BackendMongo, DecisionVersion: 4},
	})

	c.ReconcileVersions(map[string]int64{
		"age":     1,
		"country": 1,
	})

	// Ran ahead: brought back to the stored successor, content kept.
	d, ok := c.Decision("age")
	require.True(t, ok)
	assert.Equal(t, int64(2), d.DecisionVersion)
	assert.True(t, d.NeedsReview)

	// Already the successor: untouched.
	d, _ = c.Decision("country")
	assert.Equal(t, int64(2), d.DecisionVersion)

	// Never stored: reset so the next write is a valid insert.
	d, _ = c.Decision("metadata")
	assert.Equal(t, int64(1), d.DecisionVersion)
}
