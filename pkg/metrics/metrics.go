// Package metrics exposes Prometheus collectors for the ingestion
// pipeline: record throughput, malformed input, decision activity,
// backend commits and dead-letter volume.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// RecordsIngested counts records accepted into the pipeline.
	RecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_records_ingested_total",
		Help: "Total records accepted into the pipeline",
	})

	// RecordsMalformed counts records rejected before analysis.
	RecordsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_records_malformed_total",
		Help: "Total records rejected as malformed",
	})

	// FieldsTracked gauges the number of fields with live statistics.
	FieldsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_fields_tracked",
		Help: "Number of fields with running statistics",
	})

	// DecisionChanges counts placement decision writes by kind.
	DecisionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_decision_changes_total",
		Help: "Placement decision writes by kind",
	}, []string{"kind"}) // new, flip, review

	// BackendCommits counts committed writes per backend.
	BackendCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_backend_commits_total",
		Help: "Committed writes per backend",
	}, []string{"backend"})

	// BackendFailures counts exhausted writes per backend.
	BackendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_backend_failures_total",
		Help: "Dead-lettered writes per backend",
	}, []string{"backend"})

	// SchemaConflicts counts per-record field demotions.
	SchemaConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_schema_conflicts_total",
		Help: "Field demotions caused by relational type conflicts",
	})

	// CommitLatency tracks end-to-end commit duration per record.
	CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_commit_duration_seconds",
		Help:    "End-to-end commit duration per record",
		Buckets: prometheus.DefBuckets,
	})
)

// Server serves the /metrics endpoint.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics HTTP server on addr.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
