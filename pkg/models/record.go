// Package models provides the data model for the adaptive dual-store
// ingestion pipeline: canonical records, per-field statistics, placement
// decisions, routing plans and the relational schema state.
package models

import (
	"time"
)

// Reserved canonical field names. Username and IngestedAt are pinned to
// both backends so they can serve as a cross-store join key.
const (
	FieldUsername   = "username"
	FieldTStamp     = "t_stamp"
	FieldIngestedAt = "sys_ingested_at"
)

// Backend identifies the destination store(s) for a field.
type Backend string

const (
	// BackendSQL routes a field to the relational store only.
	BackendSQL Backend = "sql"
	// BackendMongo routes a field to the document store only.
	BackendMongo Backend = "mongo"
	// BackendBoth routes a field to both stores.
	BackendBoth Backend = "both"
)

// Type tags produced by value detection. Pattern-qualified string tags
// exist so that e.g. a dotted quad is "string-ip", never a float.
const (
	TypeNull      = "null"
	TypeBool      = "boolean"
	TypeInteger   = "integer"
	TypeFloat     = "float"
	TypeString    = "string"
	TypeArray     = "array"
	TypeObject    = "object"
	TypeIP        = "string-ip"
	TypeEmail     = "string-email"
	TypeURL       = "string-url"
	TypeUUID      = "string-uuid"
	TypeTimestamp = "string-timestamp"
)

// CanonicalRecord is an ordered mapping of normalized field name to value.
// Field order is arrival order; the upstream normalizer guarantees the
// names are canonical and that username, t_stamp and sys_ingested_at are
// present.
type CanonicalRecord struct {
	fields []string
	values map[string]interface{}
}

// NewCanonicalRecord creates an empty record.
func NewCanonicalRecord() *CanonicalRecord {
	return &CanonicalRecord{values: make(map[string]interface{})}
}

// Set stores a value, appending the field to the order on first sighting.
func (r *CanonicalRecord) Set(field string, value interface{}) {
	if _, ok := r.values[field]; !ok {
		r.fields = append(r.fields, field)
	}
	r.values[field] = value
}

// Get returns the value for a field and whether it is present.
func (r *CanonicalRecord) Get(field string) (interface{}, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Has reports whether the record contains the field.
func (r *CanonicalRecord) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// Fields returns the field names in arrival order.
func (r *CanonicalRecord) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of fields.
func (r *CanonicalRecord) Len() int { return len(r.fields) }

// ToMap returns a shallow copy of the field values.
func (r *CanonicalRecord) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// GlobalStats tracks stream-wide counters. TotalRecords is monotonic and
// doubles as the restart checkpoint: a reloaded pipeline resumes at
// record TotalRecords+1.
type GlobalStats struct {
	TotalRecords int64 `json:"total_records"`
}

// FieldStats holds the running statistics for one canonical field.
type FieldStats struct {
	Name           string           `json:"name"`
	TotalSeen      int64            `json:"total_seen"`
	TypeCounts     map[string]int64 `json:"type_counts"`
	NestedCount    int64            `json:"nested_count"`
	ArrayCount     int64            `json:"array_count"`
	MaxDepth       int              `json:"max_depth"`
	PatternMatches map[string]int64 `json:"pattern_matches"`
	AmbiguousCount int64            `json:"ambiguous_count"`
	FirstSeenAt    time.Time        `json:"first_seen_at"`
	LastSeenAt     time.Time        `json:"last_seen_at"`

	// RecentTypes is a fixed-size ring of the latest type tags, used for
	// drift detection. RecentPos is the next write slot.
	RecentTypes []string `json:"recent_types"`
	RecentPos   int      `json:"recent_pos"`

	// Bounded distinct-value tracking for the uniqueness heuristic. Once
	// DistinctCapped is set the ratio is reported as 1.0.
	Distinct       map[string]struct{} `json:"-"`
	DistinctCount  int64               `json:"distinct_count"`
	DistinctCapped bool                `json:"distinct_capped"`
}

// NewFieldStats creates stats for a newly sighted field. windowSize is
// the drift ring capacity.
func NewFieldStats(name string, windowSize int) *FieldStats {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &FieldStats{
		Name:           name,
		TypeCounts:     make(map[string]int64),
		PatternMatches: make(map[string]int64),
		RecentTypes:    make([]string, 0, windowSize),
		Distinct:       make(map[string]struct{}),
	}
}

// RecordType counts a type observation and appends it to the drift ring.
func (fs *FieldStats) RecordType(tag string, windowSize int) {
	fs.TypeCounts[tag]++
	if windowSize <= 0 {
		windowSize = 1
	}
	if len(fs.RecentTypes) < windowSize {
		fs.RecentTypes = append(fs.RecentTypes, tag)
		fs.RecentPos = len(fs.RecentTypes) % windowSize
		return
	}
	fs.RecentTypes[fs.RecentPos] = tag
	fs.RecentPos = (fs.RecentPos + 1) % windowSize
}

// DominantType returns the all-time dominant type tag and its ratio over
// total observations.
func (fs *FieldStats) DominantType() (string, float64) {
	return dominant(fs.TypeCounts, fs.TotalSeen)
}

// WindowDominantType returns the dominant type within the trailing window.
func (fs *FieldStats) WindowDominantType() (string, float64) {
	counts := make(map[string]int64, 4)
	for _, tag := range fs.RecentTypes {
		counts[tag]++
	}
	return dominant(counts, int64(len(fs.RecentTypes)))
}

// Drift reports whether the window-dominant type differs from the
// all-time dominant type. It is a signal only; the classifier decides.
func (fs *FieldStats) Drift() bool {
	if len(fs.RecentTypes) == 0 {
		return false
	}
	allTime, _ := fs.DominantType()
	windowed, _ := fs.WindowDominantType()
	return allTime != "" && windowed != "" && allTime != windowed
}

// Frequency returns the fraction of all records containing this field.
func (fs *FieldStats) Frequency(totalRecords int64) float64 {
	if totalRecords <= 0 {
		return 0
	}
	return float64(fs.TotalSeen) / float64(totalRecords)
}

// NestingComplexity is the maximum container depth observed for the
// field's values. Scalars are depth 0.
func (fs *FieldStats) NestingComplexity() int { return fs.MaxDepth }

// DistinctRatio returns distinct values over total observations. A
// capped tracker reports 1.0, the high-cardinality assumption.
func (fs *FieldStats) DistinctRatio() float64 {
	if fs.TotalSeen == 0 {
		return 0
	}
	if fs.DistinctCapped {
		return 1.0
	}
	return float64(fs.DistinctCount) / float64(fs.TotalSeen)
}

// Clone returns a deep copy, safe to read after the source mutates. The
// distinct-value set stays with the analyzer; only its count survives.
func (fs *FieldStats) Clone() *FieldStats {
	cp := *fs
	cp.TypeCounts = make(map[string]int64, len(fs.TypeCounts))
	for k, v := range fs.TypeCounts {
		cp.TypeCounts[k] = v
	}
	cp.PatternMatches = make(map[string]int64, len(fs.PatternMatches))
	for k, v := range fs.PatternMatches {
		cp.PatternMatches[k] = v
	}
	cp.RecentTypes = make([]string, len(fs.RecentTypes))
	copy(cp.RecentTypes, fs.RecentTypes)
	cp.Distinct = nil
	return &cp
}

func dominant(counts map[string]int64, total int64) (string, float64) {
	var tag string
	var max int64
	for t, c := range counts {
		if c > max || (c == max && (tag == "" || t < tag)) {
			max = c
			tag = t
		}
	}
	if total <= 0 || tag == "" {
		return tag, 0
	}
	return tag, float64(max) / float64(total)
}

// DecisionEvidence snapshots the metrics that justified a placement.
type DecisionEvidence struct {
	Frequency         float64 `json:"frequency"`
	DominantType      string  `json:"dominant_type"`
	DominantTypeRatio float64 `json:"dominant_type_ratio"`
	NestingComplexity int     `json:"nesting_complexity"`
	Drift             bool    `json:"drift"`
	DistinctRatio     float64 `json:"distinct_ratio"`
	SampleSize        int64   `json:"sample_size"`
}

// PlacementDecision is the current backend assignment for a field.
type PlacementDecision struct {
	FieldName       string           `json:"field_name"`
	Backend         Backend          `json:"backend"`
	DecisionVersion int64            `json:"decision_version"`
	DecidedAt       time.Time        `json:"decided_at"`
	Reason          string           `json:"reason"`
	Confidence      float64          `json:"confidence"`
	Evidence        DecisionEvidence `json:"evidence"`

	// ConsecutiveContrary counts evaluation cycles with sustained contrary
	// evidence; the decision flips only once it reaches the configured
	// hysteresis window.
	ConsecutiveContrary int `json:"consecutive_contrary"`

	// Unique marks the field for a UNIQUE constraint in the relational
	// store.
	Unique bool `json:"unique"`

	// NeedsReview is set when a schema conflict demoted the field for a
	// record and the decision should be re-evaluated early.
	NeedsReview bool `json:"needs_review"`
}

// Clone returns a copy of the decision.
func (d *PlacementDecision) Clone() *PlacementDecision {
	cp := *d
	return &cp
}

// RoutingPlan partitions a record's fields by destination.
type RoutingPlan struct {
	SQLFields   []string `json:"sql_fields"`
	MongoFields []string `json:"mongo_fields"`
	BothFields  []string `json:"both_fields"`

	// UniqueFields lists SQL-routed fields whose decisions request a
	// UNIQUE constraint.
	UniqueFields []string `json:"unique_fields,omitempty"`
}

// AllFields returns the union of the three partitions.
func (p *RoutingPlan) AllFields() []string {
	out := make([]string, 0, len(p.SQLFields)+len(p.MongoFields)+len(p.BothFields))
	out = append(out, p.SQLFields...)
	out = append(out, p.MongoFields...)
	out = append(out, p.BothFields...)
	return out
}

// ColumnDef describes one relational column.
type ColumnDef struct {
	Name    string `json:"name"`
	SQLType string `json:"sql_type"`
	Unique  bool   `json:"unique"`
}

// TableSchema is an ordered column set for one table. It only ever grows.
type TableSchema struct {
	Name    string      `json:"name"`
	Columns []ColumnDef `json:"columns"`
}

// Column returns the column definition and whether it exists.
func (t *TableSchema) Column(name string) (*ColumnDef, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// AddColumn appends a column if absent. Additive only; returns true when
// the column was added.
func (t *TableSchema) AddColumn(name, sqlType string) bool {
	if _, ok := t.Column(name); ok {
		return false
	}
	t.Columns = append(t.Columns, ColumnDef{Name: name, SQLType: sqlType})
	return true
}

// SchemaState tracks the relational schema. The document side is
// schema-less and never enforced.
type SchemaState struct {
	Tables map[string]*TableSchema `json:"tables"`
}

// NewSchemaState creates an empty schema state.
func NewSchemaState() *SchemaState {
	return &SchemaState{Tables: make(map[string]*TableSchema)}
}

// EnsureTable returns the table, creating it if absent.
func (s *SchemaState) EnsureTable(name string) *TableSchema {
	if t, ok := s.Tables[name]; ok {
		return t
	}
	t := &TableSchema{Name: name}
	s.Tables[name] = t
	return t
}

// Clone returns a deep copy of the schema state.
func (s *SchemaState) Clone() *SchemaState {
	cp := NewSchemaState()
	for name, t := range s.Tables {
		tc := &TableSchema{Name: t.Name, Columns: make([]ColumnDef, len(t.Columns))}
		copy(tc.Columns, t.Columns)
		cp.Tables[name] = tc
	}
	return cp
}
