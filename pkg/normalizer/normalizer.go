// Package normalizer folds messy upstream field names into canonical
// snake_case forms (ip, IP, IpAddress -> ip_address) and stamps each
// record with the ingestion time. The mapping is learned: every new
// spelling is folded onto an existing canonical name when close enough,
// otherwise its snake_case form becomes a new canonical name.
package normalizer

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/errors"
	"github.com/datastrata/strata/pkg/models"
)

// knownVariants seeds the canonical map with common spellings so the
// earliest records already normalize consistently.
var knownVariants = map[string][]string{
	models.FieldUsername: {"username", "user_name", "userName", "Username", "UserName"},
	models.FieldTStamp:   {"timestamp", "t_stamp", "time_stamp", "timeStamp", "Timestamp"},
	"ip_address":         {"ip", "IP", "IpAddress", "ip_address", "ipAddress", "Ip"},
	"email":              {"email", "Email", "email_address", "emailAddress", "e_mail"},
	"age":                {"age", "Age", "user_age", "userAge"},
	"country":            {"country", "Country", "location_country"},
	"status":             {"status", "Status", "user_status", "userStatus"},
}

var (
	camelBoundary = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	upperRun      = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// Normalizer maps raw field names onto canonical ones and keeps an
// audit trail of every variation seen per canonical name.
type Normalizer struct {
	mu         sync.Mutex
	canonical  map[string]string              // lowercased raw -> canonical
	variations map[string]map[string]struct{} // canonical -> raw spellings
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a normalizer seeded with the known variant spellings.
func New(logger *zap.Logger) *Normalizer {
	n := &Normalizer{
		canonical:  make(map[string]string),
		variations: make(map[string]map[string]struct{}),
		now:        time.Now,
		logger:     logger.With(zap.String("component", "normalizer")),
	}
	for canonical, variants := range knownVariants {
		for _, v := range variants {
			n.canonical[strings.ToLower(v)] = canonical
			n.recordVariation(canonical, v)
		}
	}
	return n
}

// NormalizeRecord converts a raw decoded payload into a canonical
// record and returns the raw->canonical mapping used, for the audit
// trail. A record without a username is malformed.
func (n *Normalizer) NormalizeRecord(raw map[string]interface{}) (*models.CanonicalRecord, map[string]string, error) {
	record := models.NewCanonicalRecord()
	mapping := make(map[string]string, len(raw))

	n.mu.Lock()
	for name, value := range raw {
		canonical := n.canonicalFor(name)
		mapping[name] = canonical
		record.Set(canonical, value)
	}
	n.mu.Unlock()

	if !record.Has(models.FieldUsername) {
		return nil, mapping, errors.New(errors.ErrorTypeMalformedRecord, "record has no username field")
	}

	// Ingestion timestamp is server-side truth; the client t_stamp, when
	// present, is preserved untouched.
	record.Set(models.FieldIngestedAt, n.now().UTC().Format(time.RFC3339Nano))

	return record, mapping, nil
}

// NormalizeFieldName returns the canonical form for one raw field name.
func (n *Normalizer) NormalizeFieldName(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.canonicalFor(name)
}

// canonicalFor resolves a raw name: direct lookup, then snake_case
// match against existing canonicals, then similarity folding, then the
// snake_case form becomes a new canonical name. Caller holds the lock.
func (n *Normalizer) canonicalFor(name string) string {
	lower := strings.ToLower(name)
	if canonical, ok := n.canonical[lower]; ok {
		n.recordVariation(canonical, name)
		return canonical
	}

	snake := toSnakeCase(name)
	if _, ok := n.variations[snake]; ok {
		n.canonical[lower] = snake
		n.recordVariation(snake, name)
		return snake
	}

	for canonical := range n.variations {
		if similar(snake, canonical) {
			n.canonical[lower] = canonical
			n.recordVariation(canonical, name)
			return canonical
		}
	}

	n.canonical[lower] = snake
	n.recordVariation(snake, name)
	return snake
}

func (n *Normalizer) recordVariation(canonical, raw string) {
	set, ok := n.variations[canonical]
	if !ok {
		set = make(map[string]struct{})
		n.variations[canonical] = set
	}
	set[raw] = struct{}{}
}

// Variations returns every raw spelling seen for a canonical name.
func (n *Normalizer) Variations(canonical string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.variations[canonical]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// CanonicalFields returns all canonical field names discovered so far.
func (n *Normalizer) CanonicalFields() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.variations))
	for canonical := range n.variations {
		out = append(out, canonical)
	}
	return out
}

// toSnakeCase converts camelCase or PascalCase to snake_case
// (userName -> user_name, IpAddress -> ip_address).
func toSnakeCase(name string) string {
	s := camelBoundary.ReplaceAllString(name, "${1}_${2}")
	s = upperRun.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(s)
}

// similar reports whether two snake_case names likely denote the same
// field: equal once underscores are stripped, or one contains the other
// with at most three characters of difference.
func similar(a, b string) bool {
	ca := strings.ReplaceAll(a, "_", "")
	cb := strings.ReplaceAll(b, "_", "")
	if ca == cb {
		return true
	}
	if len(ca) > 3 && len(cb) > 3 {
		if strings.Contains(ca, cb) || strings.Contains(cb, ca) {
			diff := len(ca) - len(cb)
			if diff < 0 {
				diff = -diff
			}
			return diff <= 3
		}
	}
	return false
}
