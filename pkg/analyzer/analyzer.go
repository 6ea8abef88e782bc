// Package analyzer maintains running per-field and global statistics for
// the ingestion stream. It performs no backend I/O; its only side effect
// is counter mutation, synchronized per field so concurrent ingestion
// workers never lose updates.
package analyzer

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/models"
)

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	fields map[string]*models.FieldStats
}

// Analyzer consumes canonical records and keeps per-field statistics in
// sharded maps. The global record count is a single atomic.
type Analyzer struct {
	shards      [shardCount]shard
	total       atomic.Int64
	matchers    []Matcher
	windowSize  int
	distinctCap int
	logger      *zap.Logger
}

// New creates an analyzer using the configured drift window and
// distinct-value cap and the default pattern matchers.
func New(thresholds *config.ThresholdConfig, logger *zap.Logger) *Analyzer {
	a := &Analyzer{
		matchers:    DefaultMatchers(),
		windowSize:  thresholds.DriftWindow,
		distinctCap: thresholds.DistinctValueCap,
		logger:      logger.With(zap.String("component", "analyzer")),
	}
	for i := range a.shards {
		a.shards[i].fields = make(map[string]*models.FieldStats)
	}
	return a
}

// WithMatchers replaces the pattern matcher list. Intended for tests and
// deployments that extend the built-in set.
func (a *Analyzer) WithMatchers(matchers []Matcher) *Analyzer {
	a.matchers = matchers
	return a
}

// Observe updates the global record count once and the statistics of
// every field present in the record. It returns the new global count.
func (a *Analyzer) Observe(record *models.CanonicalRecord) int64 {
	total := a.total.Add(1)
	now := time.Now().UTC()

	for _, name := range record.Fields() {
		value, _ := record.Get(name)
		det := DetectValue(value, a.matchers)
		a.observeField(name, det, now)
	}
	return total
}

func (a *Analyzer) observeField(name string, det Detection, now time.Time) {
	s := a.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.fields[name]
	if !ok {
		fs = models.NewFieldStats(name, a.windowSize)
		fs.FirstSeenAt = now
		s.fields[name] = fs
	}

	fs.TotalSeen++
	fs.LastSeenAt = now
	fs.RecordType(det.TypeTag, a.windowSize)

	if det.TypeTag == models.TypeObject {
		fs.NestedCount++
	}
	if det.HasArray {
		fs.ArrayCount++
	}
	if det.Depth > fs.MaxDepth {
		fs.MaxDepth = det.Depth
	}
	for _, p := range det.Patterns {
		fs.PatternMatches[p]++
	}
	if det.Ambiguous {
		fs.AmbiguousCount++
	}

	if det.ScalarKey != "" && !fs.DistinctCapped {
		if _, seen := fs.Distinct[det.ScalarKey]; !seen {
			fs.Distinct[det.ScalarKey] = struct{}{}
			fs.DistinctCount++
			if len(fs.Distinct) >= a.distinctCap {
				fs.DistinctCapped = true
				fs.Distinct = nil
			}
		}
	}
}

// TotalRecords returns the global record count.
func (a *Analyzer) TotalRecords() int64 {
	return a.total.Load()
}

// Snapshot captures a consistent-enough copy of all statistics for
// classification. Shard locks are held only per shard, never for the
// full sweep; decisions may lag stats by at most one evaluation cycle.
type Snapshot struct {
	Global models.GlobalStats
	Fields map[string]*models.FieldStats
}

// Snapshot deep-copies all field statistics and the global count.
func (a *Analyzer) Snapshot() *Snapshot {
	snap := &Snapshot{
		Global: models.GlobalStats{TotalRecords: a.total.Load()},
		Fields: make(map[string]*models.FieldStats),
	}
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for name, fs := range s.fields {
			snap.Fields[name] = fs.Clone()
		}
		s.mu.Unlock()
	}
	return snap
}

// FieldSnapshot returns a copy of one field's statistics, or nil if the
// field has never been seen.
func (a *Analyzer) FieldSnapshot(name string) *models.FieldStats {
	s := a.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fields[name]
	if !ok {
		return nil
	}
	return fs.Clone()
}

// Restore seeds the analyzer from persisted state at startup. The
// distinct-value set is not persisted; tracking restarts from the stored
// count, which may overcount briefly until the set rebuilds.
func (a *Analyzer) Restore(global models.GlobalStats, fields map[string]*models.FieldStats) {
	a.total.Store(global.TotalRecords)
	for name, fs := range fields {
		cp := fs.Clone()
		if !cp.DistinctCapped {
			cp.Distinct = make(map[string]struct{})
		}
		s := a.shardFor(name)
		s.mu.Lock()
		s.fields[name] = cp
		s.mu.Unlock()
	}
	a.logger.Info("analyzer state restored",
		zap.Int64("total_records", global.TotalRecords),
		zap.Int("fields", len(fields)))
}

func (a *Analyzer) shardFor(name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &a.shards[h.Sum32()%shardCount]
}
