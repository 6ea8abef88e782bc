package analyzer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/datastrata/strata/pkg/models"
)

// Matcher detects one structured string pattern. Matchers run in a fixed
// order before generic numeric coercion, so a dotted quad is tagged
// string-ip and never misread as a float.
type Matcher interface {
	// Name is the pattern name recorded in FieldStats.PatternMatches
	Name() string
	// TypeTag is the primary type tag when this matcher wins
	TypeTag() string
	// Match reports whether the value fits the pattern
	Match(value string) bool
}

type regexMatcher struct {
	name    string
	typeTag string
	re      *regexp.Regexp
}

func (m *regexMatcher) Name() string         { return m.name }
func (m *regexMatcher) TypeTag() string      { return m.typeTag }
func (m *regexMatcher) Match(v string) bool  { return m.re.MatchString(v) }

// ipMatcher validates four dot-separated octets, each 0-255. The regex
// shape check alone would accept 999.0.0.1.
type ipMatcher struct {
	re *regexp.Regexp
}

func (m *ipMatcher) Name() string    { return "ip" }
func (m *ipMatcher) TypeTag() string { return models.TypeIP }

func (m *ipMatcher) Match(v string) bool {
	if !m.re.MatchString(v) {
		return false
	}
	for _, part := range strings.Split(v, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// DefaultMatchers returns the built-in ordered matcher list: ip, email,
// url, uuid, iso timestamp. Extend placement behavior by prepending or
// appending matchers; the detection control flow never changes.
func DefaultMatchers() []Matcher {
	return []Matcher{
		&ipMatcher{re: regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)},
		&regexMatcher{
			name:    "email",
			typeTag: models.TypeEmail,
			re:      regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
		},
		&regexMatcher{
			name:    "url",
			typeTag: models.TypeURL,
			re:      regexp.MustCompile(`^https?://[^\s]+$`),
		},
		&regexMatcher{
			name:    "uuid",
			typeTag: models.TypeUUID,
			re:      regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
		},
		&regexMatcher{
			name:    "iso_timestamp",
			typeTag: models.TypeTimestamp,
			re:      regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`),
		},
	}
}

// Detection is the result of classifying a single value.
type Detection struct {
	// TypeTag is the primary type tag after precedence resolution
	TypeTag string
	// Patterns lists every pattern name that matched, for auditability
	Patterns []string
	// Depth is the maximum recursive container depth (scalars are 0)
	Depth int
	// HasArray reports array presence anywhere in the value
	HasArray bool
	// Ambiguous is set when more than one detector claimed the value;
	// precedence resolved it but the observation is low-confidence
	Ambiguous bool
	// ScalarKey is the string form used for distinct-value tracking;
	// empty for containers
	ScalarKey string
}

// DetectValue classifies a decoded JSON value using the ordered matcher
// list. Structured patterns take precedence over numeric coercion.
func DetectValue(value interface{}, matchers []Matcher) Detection {
	switch v := value.(type) {
	case nil:
		return Detection{TypeTag: models.TypeNull}
	case bool:
		return Detection{TypeTag: models.TypeBool, ScalarKey: strconv.FormatBool(v)}
	case int:
		return Detection{TypeTag: models.TypeInteger, ScalarKey: strconv.Itoa(v)}
	case int64:
		return Detection{TypeTag: models.TypeInteger, ScalarKey: strconv.FormatInt(v, 10)}
	case float64:
		// JSON numbers decode as float64; whole values count as integers
		if v == float64(int64(v)) {
			return Detection{TypeTag: models.TypeInteger, ScalarKey: strconv.FormatInt(int64(v), 10)}
		}
		return Detection{TypeTag: models.TypeFloat, ScalarKey: strconv.FormatFloat(v, 'g', -1, 64)}
	case string:
		return detectString(v, matchers)
	case []interface{}:
		depth := 1
		for _, elem := range v {
			d := DetectValue(elem, matchers)
			if d.Depth+1 > depth {
				depth = d.Depth + 1
			}
		}
		return Detection{TypeTag: models.TypeArray, Depth: depth, HasArray: true}
	case map[string]interface{}:
		depth := 1
		hasArray := false
		for _, elem := range v {
			d := DetectValue(elem, matchers)
			if d.Depth+1 > depth {
				depth = d.Depth + 1
			}
			hasArray = hasArray || d.HasArray
		}
		return Detection{TypeTag: models.TypeObject, Depth: depth, HasArray: hasArray}
	default:
		return Detection{TypeTag: models.TypeString}
	}
}

func detectString(v string, matchers []Matcher) Detection {
	det := Detection{TypeTag: models.TypeString, ScalarKey: v}

	claims := 0
	for _, m := range matchers {
		if m.Match(v) {
			det.Patterns = append(det.Patterns, m.Name())
			if claims == 0 {
				det.TypeTag = m.TypeTag()
			}
			claims++
		}
	}

	// Numeric coercion only applies when no structured pattern claimed
	// the value. Integer parse is tried before float.
	if claims == 0 {
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			det.TypeTag = models.TypeInteger
			claims++
		}
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			if claims == 0 {
				det.TypeTag = models.TypeFloat
			}
			claims++
		}
	}

	det.Ambiguous = claims > 1
	return det
}
