package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "extra keys ignored",
			actual:   `{"id": "r-1", "patientId": "P001", "heartRate": 72}`,
			expected: `{"patientId": "P001"}`,
			match:    true,
		},
		{
			name:     "extra keys reported",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"id": "r-1", "patientId": "P001"}`,
			expected: `{"patientId": "P001"}`,
		},
		{
			name:     "presence placeholder",
			actual:   `{"id": "3f2a", "uploaded": false}`,
			expected: `{"id": "<<PRESENCE>>", "uploaded": false}`,
			match:    true,
		},
		{
			name:     "presence placeholder needs the key",
			actual:   `{"uploaded": false}`,
			expected: `{"id": "<<PRESENCE>>", "uploaded": false}`,
		},
		{
			name:     "value mismatch",
			actual:   `{"heartRate": 71}`,
			expected: `{"heartRate": 72}`,
		},
		{
			name:     "top level arrays",
			actual:   `[{"spo2": 98}, {"spo2": 97}]`,
			expected: `[{"spo2": 98}, {"spo2": 97}]`,
			match:    true,
		},
		{
			name:     "array order matters by default",
			actual:   `[{"spo2": 97}, {"spo2": 98}]`,
			expected: `[{"spo2": 98}, {"spo2": 97}]`,
		},
		{
			name:     "array order ignored",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `[{"spo2": 97}, {"spo2": 98}]`,
			expected: `[{"spo2": 98}, {"spo2": 97}]`,
			match:    true,
		},
		{
			name:     "ignored fields at any depth",
			opts:     []Option{WithIgnoredFields("timestamp"), WithIgnoreExtraKeys(false)},
			actual:   `{"readings": [{"timestamp": "2025-03-01T08:00:00.000Z", "hrv": 40}]}`,
			expected: `{"readings": [{"timestamp": "x", "hrv": 40}]}`,
			match:    true,
		},
		{
			name:     "invalid actual",
			actual:   `{`,
			expected: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserter_AssertValue(t *testing.T) {
	r := QueuedReadingAt("r-01", "P001", 0)
	NewJSONAsserter(t).AssertValue(r, `{"id": "r-01", "patientId": "P001", "uploaded": false}`)
}

type recordingT struct{ failures []string }

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, format)
}

func TestJSONAsserter_ReportsFailure(t *testing.T) {
	rec := &recordingT{}
	NewJSONAsserter(rec).Assert(`{"a": 1}`, `{"a": 2}`)
	assert.Len(t, rec.failures, 1)
}
