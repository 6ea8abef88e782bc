// Package config provides the unified configuration system for Strata.
// It defines a single Config structure covering the classification
// heuristics, the ingestion pipeline, backend connections, reliability
// and observability. Every tunable the placement heuristics depend on
// (thresholds, hysteresis window, warm-up count, pinned fields) lives
// here — never as inline constants in core code.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/datastrata/strata/pkg/models"
)

// Config is the single configuration structure the whole system uses.
type Config struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Thresholds drive the placement classifier
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`

	// Pipeline controls the ingestion worker pool
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Reliability settings for backend retries and dead-lettering
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Metadata configures the durable metadata store
	Metadata MetadataConfig `yaml:"metadata" json:"metadata"`

	// Backends holds connection parameters for the two stores
	Backends BackendConfig `yaml:"backends" json:"backends"`

	// Observability settings for logging and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ThresholdConfig contains the classification heuristics. Defaults follow
// the canonical tuning; all of them are expected to be overridden per
// deployment.
type ThresholdConfig struct {
	// FrequencyHigh is the minimum field frequency for SQL placement
	FrequencyHigh float64 `yaml:"frequency_high" json:"frequency_high"`
	// FrequencyLow is the sparsity bound below which a field goes to the
	// document store
	FrequencyLow float64 `yaml:"frequency_low" json:"frequency_low"`
	// TypeStabilityHigh is the minimum dominant-type ratio for SQL placement
	TypeStabilityHigh float64 `yaml:"type_stability_high" json:"type_stability_high"`
	// UniqueRatio is the distinct-value ratio above which a SQL column
	// receives a UNIQUE constraint
	UniqueRatio float64 `yaml:"unique_ratio" json:"unique_ratio"`
	// WarmupSamples is the per-field observation count before the first
	// placement decision; undecided fields route to the document store
	WarmupSamples int64 `yaml:"warmup_samples" json:"warmup_samples"`
	// HysteresisWindow is the number of consecutive contrary evaluation
	// cycles required before an existing decision flips
	HysteresisWindow int `yaml:"hysteresis_window" json:"hysteresis_window"`
	// DriftWindow is the trailing ring-buffer size for drift detection
	DriftWindow int `yaml:"drift_window" json:"drift_window"`
	// DistinctValueCap bounds the per-field distinct-value tracker; at the
	// cap the field is assumed high-cardinality
	DistinctValueCap int `yaml:"distinct_value_cap" json:"distinct_value_cap"`
	// PinnedFields are permanently routed to both backends
	PinnedFields []string `yaml:"pinned_fields" json:"pinned_fields"`
}

// PipelineConfig controls the streaming worker pool.
type PipelineConfig struct {
	// Workers is the number of concurrent ingestion workers
	Workers int `yaml:"workers" json:"workers"`
	// BufferSize is the record channel capacity
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// EvalInterval is the number of records between classifier sweeps
	EvalInterval int64 `yaml:"eval_interval" json:"eval_interval"`
	// ShutdownTimeout bounds the final evaluation sweep and checkpoint,
	// which run even when the ingestion context was cancelled
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ReliabilityConfig contains retry and dead-letter settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for a failed backend write
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// BackendTimeout bounds a single backend call
	BackendTimeout time.Duration `yaml:"backend_timeout" json:"backend_timeout"`
	// DeadLetterPath is the durable dead-letter log location
	DeadLetterPath string `yaml:"dead_letter_path" json:"dead_letter_path"`
}

// MetadataConfig configures the durable metadata store.
type MetadataConfig struct {
	// Path is the SQLite database file location
	Path string `yaml:"path" json:"path"`
	// FlushInterval is the period between time-based full checkpoints
	// while ingestion runs
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// BackendConfig holds connection parameters for the two stores.
type BackendConfig struct {
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo" json:"mongo"`
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN   string `yaml:"dsn" json:"dsn"`
	Table string `yaml:"table" json:"table"`
}

// MongoConfig configures the document store.
type MongoConfig struct {
	URI        string `yaml:"uri" json:"uri"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
}

// ObservabilityConfig contains logging and metrics settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding selects json or console output
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// MetricsAddr serves Prometheus metrics when non-empty (e.g. ":9090")
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// NewDefaultConfig creates a Config with production defaults.
func NewDefaultConfig(name string) *Config {
	return &Config{
		Name:    name,
		Version: "1.0.0",
		Thresholds: ThresholdConfig{
			FrequencyHigh:     0.80,
			FrequencyLow:      0.30,
			TypeStabilityHigh: 0.90,
			UniqueRatio:       0.95,
			WarmupSamples:     50,
			HysteresisWindow:  3,
			DriftWindow:       50,
			DistinctValueCap:  10000,
			PinnedFields:      []string{models.FieldUsername, models.FieldIngestedAt},
		},
		Pipeline: PipelineConfig{
			Workers:         runtime.NumCPU(),
			BufferSize:      1000,
			EvalInterval:    100,
			ShutdownTimeout: 30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
			BackendTimeout:  10 * time.Second,
			DeadLetterPath:  "deadletter.jsonl",
		},
		Metadata: MetadataConfig{
			Path:          "strata-meta.db",
			FlushInterval: 5 * time.Second,
		},
		Backends: BackendConfig{
			Postgres: PostgresConfig{Table: "records"},
			Mongo:    MongoConfig{Database: "strata", Collection: "records"},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
		},
	}
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	t := c.Thresholds
	if t.FrequencyHigh <= 0 || t.FrequencyHigh > 1 {
		return fmt.Errorf("thresholds.frequency_high must be in (0,1]")
	}
	if t.FrequencyLow < 0 || t.FrequencyLow >= t.FrequencyHigh {
		return fmt.Errorf("thresholds.frequency_low must be in [0, frequency_high)")
	}
	if t.TypeStabilityHigh <= 0 || t.TypeStabilityHigh > 1 {
		return fmt.Errorf("thresholds.type_stability_high must be in (0,1]")
	}
	if t.UniqueRatio <= 0 || t.UniqueRatio > 1 {
		return fmt.Errorf("thresholds.unique_ratio must be in (0,1]")
	}
	if t.WarmupSamples < 1 {
		return fmt.Errorf("thresholds.warmup_samples must be at least 1")
	}
	if t.HysteresisWindow < 1 {
		return fmt.Errorf("thresholds.hysteresis_window must be at least 1")
	}
	if t.DriftWindow < 1 {
		return fmt.Errorf("thresholds.drift_window must be at least 1")
	}
	if len(t.PinnedFields) == 0 {
		return fmt.Errorf("thresholds.pinned_fields must not be empty")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	if c.Pipeline.BufferSize < 1 {
		return fmt.Errorf("pipeline.buffer_size must be at least 1")
	}
	if c.Pipeline.EvalInterval < 1 {
		return fmt.Errorf("pipeline.eval_interval must be at least 1")
	}
	if c.Pipeline.ShutdownTimeout <= 0 {
		return fmt.Errorf("pipeline.shutdown_timeout must be positive")
	}
	if c.Metadata.FlushInterval <= 0 {
		return fmt.Errorf("metadata.flush_interval must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("reliability.retry_attempts cannot be negative")
	}
	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}
	return nil
}

// IsPinned reports whether a field is permanently routed to both backends.
func (t *ThresholdConfig) IsPinned(field string) bool {
	for _, p := range t.PinnedFields {
		if p == field {
			return true
		}
	}
	return false
}
