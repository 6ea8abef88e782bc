// Package pipeline wires the ingestion path: normalize, observe,
// periodically re-classify, persist metadata, and commit each record to
// the backends its routing plan names. Statistics and decisions are
// checkpointed so a restart resumes from persisted state instead of
// re-learning the stream.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/analyzer"
	"github.com/datastrata/strata/pkg/backend"
	"github.com/datastrata/strata/pkg/classifier"
	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/errors"
	"github.com/datastrata/strata/pkg/metadata"
	"github.com/datastrata/strata/pkg/metrics"
	"github.com/datastrata/strata/pkg/models"
	"github.com/datastrata/strata/pkg/normalizer"
	"github.com/datastrata/strata/pkg/router"
	"github.com/datastrata/strata/pkg/source"
)

// Feed supplies raw record batches. Both the HTTP stream client and the
// local generator satisfy it.
type Feed interface {
	FetchBatch(ctx context.Context, count int) ([]source.RawRecord, error)
}

// GeneratorFeed adapts the seeded generator to the Feed interface.
type GeneratorFeed struct {
	Gen *source.Generator
}

// FetchBatch generates count records locally.
func (f *GeneratorFeed) FetchBatch(_ context.Context, count int) ([]source.RawRecord, error) {
	return f.Gen.GenerateBatch(count), nil
}

// Result summarizes one Run.
type Result struct {
	Processed    int64
	Malformed    int64
	DeadLettered int64
	TotalRecords int64 // lifetime total including the restored checkpoint
}

// Options carries the externally constructed collaborators.
type Options struct {
	Store      *metadata.Store
	SQLStore   backend.StructuredStore
	DocStore   backend.DocumentStore
	DeadLetter *router.DeadLetterLog
}

// Pipeline owns the ingestion components and their shared state.
type Pipeline struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *metadata.Store
	normalizer *normalizer.Normalizer
	analyzer   *analyzer.Analyzer
	classifier *classifier.Classifier
	router     *router.Router

	malformed    atomic.Int64
	deadLettered atomic.Int64

	// evalMu serializes evaluation sweeps; persistMu serializes metadata
	// writes so decision versions land in order.
	evalMu    sync.Mutex
	persistMu sync.Mutex
}

// New builds a pipeline, restoring analyzer statistics, the decision
// registry and the relational schema from the metadata store. Corrupt
// metadata is fatal here, never repaired.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*Pipeline, error) {
	state, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, err
	}

	an := analyzer.New(&cfg.Thresholds, logger)
	an.Restore(state.Global, state.Fields)

	cl := classifier.New(&cfg.Thresholds, logger)
	cl.Restore(state.Decisions)

	p := &Pipeline{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "pipeline")),
		store:      opts.Store,
		normalizer: normalizer.New(logger),
		analyzer:   an,
		classifier: cl,
	}

	p.router = router.New(opts.SQLStore, opts.DocStore, state.Schema, cfg, opts.DeadLetter, logger)
	p.router.OnSchemaChange(p.persistSchema)
	p.router.OnSchemaConflict(p.flagConflict)

	if state.Global.TotalRecords > 0 {
		p.logger.Info("resuming from checkpoint",
			zap.Int64("total_records", state.Global.TotalRecords),
			zap.Int("fields", len(state.Fields)),
			zap.Int("decisions", len(state.Decisions)))
	}

	return p, nil
}

// Run ingests total records from the feed using the configured worker
// pool, then drains, runs a final evaluation sweep and checkpoints.
func (p *Pipeline) Run(ctx context.Context, feed Feed, total int64) (*Result, error) {
	records := make(chan source.RawRecord, p.cfg.Pipeline.BufferSize)
	fetchErr := make(chan error, 1)

	go func() {
		defer close(records)
		var fetched int64
		for fetched < total {
			batch := int64(p.cfg.Pipeline.BufferSize)
			if remaining := total - fetched; remaining < batch {
				batch = remaining
			}
			raw, err := feed.FetchBatch(ctx, int(batch))
			if err != nil {
				fetchErr <- err
				return
			}
			if len(raw) == 0 {
				return
			}
			for _, r := range raw {
				select {
				case records <- r:
				case <-ctx.Done():
					return
				}
			}
			fetched += int64(len(raw))
		}
	}()

	var wg sync.WaitGroup
	var processed atomic.Int64
	for i := 0; i < p.cfg.Pipeline.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range records {
				if err := p.ingestOne(ctx, raw); err != nil {
					if ctx.Err() != nil {
						return
					}
					p.logger.Error("record ingestion failed", zap.Error(err))
					continue
				}
				processed.Add(1)
			}
		}()
	}

	// Time-based flush so a long stretch between evaluation sweeps never
	// leaves learned state unpersisted.
	flushStop := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(p.cfg.Metadata.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.checkpoint(ctx); err != nil {
					p.logger.Warn("periodic flush failed", zap.Error(err))
				}
			case <-flushStop:
				return
			}
		}
	}()

	wg.Wait()
	close(flushStop)
	<-flushDone

	select {
	case err := <-fetchErr:
		return nil, err
	default:
	}

	// The final sweep and checkpoint run on their own bounded context: a
	// cancelled run context must not abort the shutdown flush, or every
	// record since the last sweep would be committed to the backends with
	// no durable trace in the metadata store.
	flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Pipeline.ShutdownTimeout)
	defer cancel()

	p.evaluate(flushCtx)
	if err := p.checkpoint(flushCtx); err != nil {
		return nil, err
	}

	return &Result{
		Processed:    processed.Load(),
		Malformed:    p.malformed.Load(),
		DeadLettered: p.deadLettered.Load(),
		TotalRecords: p.analyzer.TotalRecords(),
	}, nil
}

// ingestOne runs the per-record path: normalize, observe, maybe
// evaluate, plan, commit.
func (p *Pipeline) ingestOne(ctx context.Context, raw source.RawRecord) error {
	record, _, err := p.normalizer.NormalizeRecord(raw)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeMalformedRecord) {
			p.malformed.Add(1)
			metrics.RecordsMalformed.Inc()
			p.logger.Warn("malformed record skipped", zap.Error(err))
			return nil
		}
		return err
	}

	total := p.analyzer.Observe(record)
	metrics.RecordsIngested.Inc()

	if total%int64(p.cfg.Pipeline.EvalInterval) == 0 {
		p.evaluate(ctx)
	}

	plan := p.classifier.PlanRecord(record)

	start := time.Now()
	outcome, err := p.router.Commit(ctx, record, plan)
	metrics.CommitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	if outcome.SQLCommitted {
		metrics.BackendCommits.WithLabelValues("sql").Inc()
	}
	if outcome.DocCommitted {
		metrics.BackendCommits.WithLabelValues("mongo").Inc()
	}
	if outcome.SQLDeadLettered {
		p.deadLettered.Add(1)
		metrics.BackendFailures.WithLabelValues("sql").Inc()
	}
	if outcome.DocDeadLettered {
		p.deadLettered.Add(1)
		metrics.BackendFailures.WithLabelValues("mongo").Inc()
	}
	if n := len(outcome.DemotedFields); n > 0 {
		metrics.SchemaConflicts.Add(float64(n))
	}
	return nil
}

// evaluate runs one classification sweep over a statistics snapshot and
// persists whatever changed.
func (p *Pipeline) evaluate(ctx context.Context) {
	p.evalMu.Lock()
	defer p.evalMu.Unlock()

	snap := p.analyzer.Snapshot()
	metrics.FieldsTracked.Set(float64(len(snap.Fields)))

	changed := p.classifier.Evaluate(snap.Global, snap.Fields)
	for _, d := range changed {
		if d.DecisionVersion == 1 {
			metrics.DecisionChanges.WithLabelValues("new").Inc()
		} else {
			metrics.DecisionChanges.WithLabelValues("flip").Inc()
		}
	}

	delta := &metadata.Delta{
		Global:    &snap.Global,
		Decisions: changed,
	}
	for _, fs := range snap.Fields {
		delta.Fields = append(delta.Fields, fs)
	}
	if err := p.persist(ctx, delta); err != nil {
		p.logger.Error("metadata persistence failed", zap.Error(err))
	}
}

// checkpoint persists the complete current state, decisions included.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	snap := p.analyzer.Snapshot()
	delta := &metadata.Delta{Global: &snap.Global}
	for _, fs := range snap.Fields {
		delta.Fields = append(delta.Fields, fs)
	}
	for _, d := range p.classifier.Decisions() {
		delta.Decisions = append(delta.Decisions, d)
	}

	if err := p.persist(ctx, delta); err != nil {
		return err
	}
	p.logger.Info("checkpoint persisted", zap.Int64("total_records", snap.Global.TotalRecords))
	return nil
}

// persist writes a delta under persistMu. A stale rejection means the
// registry ran ahead of the store (a conflict flag raced an evaluation
// sweep and one of the writes was dropped); the registry versions are
// realigned from the store and the delta retried once with fresh
// registry clones, so the divergence never outlives one write.
func (p *Pipeline) persist(ctx context.Context, delta *metadata.Delta) error {
	if delta.Empty() {
		return nil
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	err := p.store.PersistDelta(ctx, delta)
	if err == nil || !errors.IsType(err, errors.ErrorTypeStaleDecision) {
		return err
	}

	p.logger.Warn("stale decision write, realigning registry versions", zap.Error(err))
	stored, verr := p.store.DecisionVersions(ctx)
	if verr != nil {
		return verr
	}
	p.classifier.ReconcileVersions(stored)
	for i, d := range delta.Decisions {
		if cur, ok := p.classifier.Decision(d.FieldName); ok {
			delta.Decisions[i] = cur
		}
	}
	return p.store.PersistDelta(ctx, delta)
}

// persistSchema runs on the router's schema-change hook; it has no
// request context, schema writes are small and local.
func (p *Pipeline) persistSchema(schema *models.SchemaState) {
	if err := p.persist(context.Background(), &metadata.Delta{Schema: schema}); err != nil {
		p.logger.Error("schema persistence failed", zap.Error(err))
	}
}

func (p *Pipeline) flagConflict(field string) {
	d, ok := p.classifier.FlagForReview(field)
	if !ok {
		return
	}
	metrics.DecisionChanges.WithLabelValues("review").Inc()
	delta := &metadata.Delta{Decisions: []*models.PlacementDecision{d}}
	if err := p.persist(context.Background(), delta); err != nil {
		p.logger.Error("review flag persistence failed", zap.String("field", field), zap.Error(err))
	}
}
