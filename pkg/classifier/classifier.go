// Package classifier turns analyzer statistics into per-field placement
// decisions. Decisions live in an explicit registry keyed by field name
// and only flip after sustained contrary evidence (hysteresis), so a
// single anomalous record never reroutes a field.
package classifier

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/models"
)

// Classifier owns the placement-decision registry.
type Classifier struct {
	thresholds *config.ThresholdConfig
	logger     *zap.Logger

	mu        sync.RWMutex
	decisions map[string]*models.PlacementDecision
}

// New creates a classifier with an empty registry.
func New(thresholds *config.ThresholdConfig, logger *zap.Logger) *Classifier {
	return &Classifier{
		thresholds: thresholds,
		logger:     logger.With(zap.String("component", "classifier")),
		decisions:  make(map[string]*models.PlacementDecision),
	}
}

// Restore seeds the registry from persisted decisions at startup.
func (c *Classifier) Restore(decisions map[string]*models.PlacementDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, d := range decisions {
		c.decisions[name] = d.Clone()
	}
	c.logger.Info("decision registry restored", zap.Int("decisions", len(decisions)))
}

// Decision returns the current decision for a field, if any.
func (c *Classifier) Decision(field string) (*models.PlacementDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.decisions[field]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Decisions returns a copy of the whole registry.
func (c *Classifier) Decisions() map[string]*models.PlacementDecision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*models.PlacementDecision, len(c.decisions))
	for name, d := range c.decisions {
		out[name] = d.Clone()
	}
	return out
}

// FlagForReview marks a field's decision after a schema conflict so the
// next evaluation cycle reconsiders it. Returns the updated decision.
func (c *Classifier) FlagForReview(field string) (*models.PlacementDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decisions[field]
	if !ok || d.NeedsReview {
		return nil, false
	}
	d.NeedsReview = true
	d.DecisionVersion++
	return d.Clone(), true
}

// ReconcileVersions realigns registry decision versions with the stored
// versions after a rejected write. An entry that ran ahead of the store
// is brought back to the stored successor so its current content still
// persists on the next attempt; entries the store has never seen reset
// to the initial version.
func (c *Classifier) ReconcileVersions(stored map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, d := range c.decisions {
		sv, ok := stored[name]
		if !ok {
			d.DecisionVersion = 1
			continue
		}
		if d.DecisionVersion != sv && d.DecisionVersion != sv+1 {
			c.logger.Warn("decision version realigned",
				zap.String("field", name),
				zap.Int64("registry", d.DecisionVersion),
				zap.Int64("stored", sv))
			d.DecisionVersion = sv + 1
		}
	}
}

// Classify evaluates one field against the heuristics. prev may be nil
// (no decision yet). The returned decision is nil while the field is in
// warm-up, or identical to prev when nothing changed.
func (c *Classifier) Classify(fs *models.FieldStats, global models.GlobalStats, prev *models.PlacementDecision) *models.PlacementDecision {
	now := time.Now().UTC()

	// Rule 1: pinned fields are permanently BOTH; no further rules apply.
	if c.thresholds.IsPinned(fs.Name) {
		if prev != nil {
			return prev
		}
		ev := c.evidence(fs, global)
		return &models.PlacementDecision{
			FieldName:       fs.Name,
			Backend:         models.BackendBoth,
			DecisionVersion: 1,
			DecidedAt:       now,
			Reason:          "pinned join field, required in both backends",
			Confidence:      1.0,
			Evidence:        ev,
			Unique:          c.uniqueEligible(ev),
		}
	}

	// Warm-up: no decision until enough samples; the router defaults the
	// field to the document store meanwhile.
	if prev == nil && fs.TotalSeen < c.thresholds.WarmupSamples {
		return nil
	}

	ev := c.evidence(fs, global)
	backend, reason, confidence := c.placement(ev)

	// Coercion-ambiguous observations cap confidence; precedence resolved
	// each value but the signal is weaker.
	if fs.AmbiguousCount*2 > fs.TotalSeen && confidence > 0.5 {
		confidence = 0.5
		reason = reason + " (ambiguous type coercion)"
	}

	if prev == nil {
		return &models.PlacementDecision{
			FieldName:       fs.Name,
			Backend:         backend,
			DecisionVersion: 1,
			DecidedAt:       now,
			Reason:          reason,
			Confidence:      confidence,
			Evidence:        ev,
			Unique:          backend == models.BackendSQL && c.uniqueEligible(ev),
		}
	}

	next := prev.Clone()
	next.NeedsReview = false

	if backend == prev.Backend {
		// Evidence agrees; release any accumulated contrary streak.
		if prev.ConsecutiveContrary == 0 && !prev.NeedsReview {
			if wantUnique := backend == models.BackendSQL && c.uniqueEligible(ev); wantUnique != prev.Unique {
				next.Unique = wantUnique
				next.Evidence = ev
				next.DecisionVersion++
				return next
			}
			return prev
		}
		next.ConsecutiveContrary = 0
		next.DecisionVersion++
		return next
	}

	// Contrary evidence: flip only after it persists across the window.
	next.ConsecutiveContrary++
	if next.ConsecutiveContrary >= c.thresholds.HysteresisWindow {
		next.Backend = backend
		next.Reason = reason
		next.Confidence = confidence
		next.Evidence = ev
		next.DecidedAt = now
		next.ConsecutiveContrary = 0
		next.Unique = backend == models.BackendSQL && c.uniqueEligible(ev)
	}
	next.DecisionVersion++
	return next
}

// placement applies the heuristic rules in priority order.
func (c *Classifier) placement(ev models.DecisionEvidence) (models.Backend, string, float64) {
	t := c.thresholds

	// Rule 2: frequent, type-stable, flat fields belong in SQL.
	if ev.Frequency > t.FrequencyHigh && ev.DominantTypeRatio > t.TypeStabilityHigh &&
		ev.NestingComplexity == 0 && !ev.Drift {
		conf := ev.Frequency
		if ev.DominantTypeRatio < conf {
			conf = ev.DominantTypeRatio
		}
		return models.BackendSQL,
			fmt.Sprintf("high frequency (%.1f%%), stable type (%.1f%%), flat",
				ev.Frequency*100, ev.DominantTypeRatio*100),
			conf
	}

	// Rule 3: nesting, sparsity or drift push a field to the document store.
	if ev.NestingComplexity > 0 {
		return models.BackendMongo, "nested or array-valued field", 1.0
	}
	if ev.Frequency < t.FrequencyLow {
		return models.BackendMongo,
			fmt.Sprintf("sparse field (%.1f%% frequency)", ev.Frequency*100), 0.9
	}
	if ev.Drift {
		return models.BackendMongo, "dominant type drifting within trailing window", 0.85
	}
	if ev.DominantTypeRatio < t.TypeStabilityHigh {
		return models.BackendMongo,
			fmt.Sprintf("type instability (%.1f%% stable)", ev.DominantTypeRatio*100), 0.85
	}

	// Rule 4: no evidence strong enough either way; the document store is
	// the conservative default for ambiguous shapes.
	return models.BackendMongo, "ambiguous pattern, defaulting to document store", 0.6
}

func (c *Classifier) evidence(fs *models.FieldStats, global models.GlobalStats) models.DecisionEvidence {
	tag, ratio := fs.DominantType()
	return models.DecisionEvidence{
		Frequency:         fs.Frequency(global.TotalRecords),
		DominantType:      tag,
		DominantTypeRatio: ratio,
		NestingComplexity: fs.NestingComplexity(),
		Drift:             fs.Drift(),
		DistinctRatio:     fs.DistinctRatio(),
		SampleSize:        fs.TotalSeen,
	}
}

func (c *Classifier) uniqueEligible(ev models.DecisionEvidence) bool {
	return ev.DistinctRatio >= c.thresholds.UniqueRatio &&
		ev.Frequency >= c.thresholds.FrequencyHigh &&
		ev.NestingComplexity == 0
}

// Evaluate runs a classification sweep over an analyzer snapshot and
// returns the decisions that changed (the persistence delta). The
// registry is updated in place.
func (c *Classifier) Evaluate(global models.GlobalStats, fields map[string]*models.FieldStats) []*models.PlacementDecision {
	var changed []*models.PlacementDecision

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, fs := range fields {
		prev := c.decisions[name]
		next := c.Classify(fs, global, prev)
		if next == nil || next == prev {
			continue
		}
		if prev != nil && next.DecisionVersion == prev.DecisionVersion {
			continue
		}
		if prev != nil && next.Backend != prev.Backend {
			c.logger.Info("placement decision flipped",
				zap.String("field", name),
				zap.String("from", string(prev.Backend)),
				zap.String("to", string(next.Backend)),
				zap.Int64("version", next.DecisionVersion),
				zap.String("reason", next.Reason))
		}
		c.decisions[name] = next
		changed = append(changed, next.Clone())
	}

	return changed
}

// PlanRecord partitions a record's fields by their current decisions.
// Pinned fields are always BOTH; fields without a decision default to
// the document store until warm-up completes.
func (c *Classifier) PlanRecord(record *models.CanonicalRecord) *models.RoutingPlan {
	plan := &models.RoutingPlan{}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range record.Fields() {
		if c.thresholds.IsPinned(name) {
			plan.BothFields = append(plan.BothFields, name)
			continue
		}
		d, ok := c.decisions[name]
		if !ok {
			plan.MongoFields = append(plan.MongoFields, name)
			continue
		}
		switch d.Backend {
		case models.BackendSQL:
			plan.SQLFields = append(plan.SQLFields, name)
		case models.BackendBoth:
			plan.BothFields = append(plan.BothFields, name)
		default:
			plan.MongoFields = append(plan.MongoFields, name)
		}
		if d.Unique && d.Backend != models.BackendMongo {
			plan.UniqueFields = append(plan.UniqueFields, name)
		}
	}

	return plan
}
