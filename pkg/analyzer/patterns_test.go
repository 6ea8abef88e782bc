package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datastrata/strata/pkg/models"
)

func TestDetectValueScalars(t *testing.T) {
	matchers := DefaultMatchers()

	tests := []struct {
		name    string
		value   interface{}
		typeTag string
	}{
		{"nil", nil, models.TypeNull},
		{"bool", true, models.TypeBool},
		{"int", 42, models.TypeInteger},
		{"whole float64", float64(30), models.TypeInteger},
		{"fractional float64", 3.14, models.TypeFloat},
		{"plain string", "hello world", models.TypeString},
		{"ip", "192.168.1.10", models.TypeIP},
		{"email", "user_1@example.com", models.TypeEmail},
		{"url", "https://example.com/a?b=c", models.TypeURL},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", models.TypeUUID},
		{"iso timestamp", "2026-08-25T10:30:00Z", models.TypeTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := DetectValue(tt.value, matchers)
			assert.Equal(t, tt.typeTag, det.TypeTag)
		})
	}
}

// A dotted quad must be claimed by the ip matcher before numeric
// coercion ever sees it.
func TestDottedQuadIsNeverNumeric(t *testing.T) {
	det := DetectValue("10.0.0.1", DefaultMatchers())
	assert.Equal(t, models.TypeIP, det.TypeTag)
	assert.Contains(t, det.Patterns, "ip")
	assert.False(t, det.Ambiguous)
}

// A truncated quad fails octet validation and falls through to float
// coercion; that is the type-drift signal for malformed IPs.
func TestTruncatedQuadCoercesToFloat(t *testing.T) {
	det := DetectValue("249.31", DefaultMatchers())
	assert.Equal(t, models.TypeFloat, det.TypeTag)
	assert.Empty(t, det.Patterns)
}

func TestOutOfRangeOctetRejected(t *testing.T) {
	det := DetectValue("999.0.0.1", DefaultMatchers())
	assert.NotEqual(t, models.TypeIP, det.TypeTag)
}

// An integer string parses as both int and float; precedence picks
// integer and the observation is flagged ambiguous.
func TestNumericStringAmbiguity(t *testing.T) {
	det := DetectValue("42", DefaultMatchers())
	assert.Equal(t, models.TypeInteger, det.TypeTag)
	assert.True(t, det.Ambiguous)
}

func TestContainerDepth(t *testing.T) {
	matchers := DefaultMatchers()

	flat := DetectValue(map[string]interface{}{"a": 1}, matchers)
	assert.Equal(t, models.TypeObject, flat.TypeTag)
	assert.Equal(t, 1, flat.Depth)

	nested := DetectValue(map[string]interface{}{
		"device": map[string]interface{}{
			"type": "mobile",
		},
	}, matchers)
	assert.Equal(t, 2, nested.Depth)

	arr := DetectValue([]interface{}{"a", "b"}, matchers)
	assert.Equal(t, models.TypeArray, arr.TypeTag)
	assert.True(t, arr.HasArray)
	assert.Equal(t, 1, arr.Depth)

	objWithArr := DetectValue(map[string]interface{}{
		"tags": []interface{}{"x"},
	}, matchers)
	assert.True(t, objWithArr.HasArray)
	assert.Equal(t, 2, objWithArr.Depth)
}

func TestScalarKeyOnlyForScalars(t *testing.T) {
	matchers := DefaultMatchers()
	assert.Equal(t, "42", DetectValue(42, matchers).ScalarKey)
	assert.Equal(t, "abc", DetectValue("abc", matchers).ScalarKey)
	assert.Empty(t, DetectValue(map[string]interface{}{"a": 1}, matchers).ScalarKey)
	assert.Empty(t, DetectValue([]interface{}{1}, matchers).ScalarKey)
}
