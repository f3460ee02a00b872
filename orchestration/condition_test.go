package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEvaluateConditionEmpty verifies a nil or empty condition always passes.
func TestEvaluateConditionEmpty(t *testing.T) {
	ok, err := EvaluateCondition(nil, map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(map[string]interface{}{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestEvaluateConditionVar verifies variable resolution against the event
// document, including dotted paths and the [path, default] form.
func TestEvaluateConditionVar(t *testing.T) {
	data := map[string]interface{}{
		"type": "order.created",
		"data": map[string]interface{}{
			"amount": 250.0,
			"region": "eu",
		},
	}

	tests := []struct {
		name      string
		condition map[string]interface{}
		want      bool
	}{
		{
			name: "top-level field",
			condition: map[string]interface{}{
				"==": []interface{}{map[string]interface{}{"var": "type"}, "order.created"},
			},
			want: true,
		},
		{
			name: "nested path",
			condition: map[string]interface{}{
				"==": []interface{}{map[string]interface{}{"var": "data.region"}, "eu"},
			},
			want: true,
		},
		{
			name: "missing path is nil",
			condition: map[string]interface{}{
				"==": []interface{}{map[string]interface{}{"var": "data.missing"}, nil},
			},
			want: true,
		},
		{
			name: "missing path with default",
			condition: map[string]interface{}{
				"==": []interface{}{
					map[string]interface{}{"var": []interface{}{"data.missing", "fallback"}},
					"fallback",
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEvaluateConditionComparisons verifies the comparison operators across
// numeric and string operands.
func TestEvaluateConditionComparisons(t *testing.T) {
	data := map[string]interface{}{
		"amount": 250.0,
		"count":  3,
		"region": "eu",
	}

	tests := []struct {
		name      string
		condition map[string]interface{}
		want      bool
	}{
		{
			name: "numeric greater than",
			condition: map[string]interface{}{
				">": []interface{}{map[string]interface{}{"var": "amount"}, 100},
			},
			want: true,
		},
		{
			name: "numeric less than fails",
			condition: map[string]interface{}{
				"<": []interface{}{map[string]interface{}{"var": "amount"}, 100},
			},
			want: false,
		},
		{
			name: "int and float compare numerically",
			condition: map[string]interface{}{
				">=": []interface{}{map[string]interface{}{"var": "count"}, 3.0},
			},
			want: true,
		},
		{
			name: "string equality",
			condition: map[string]interface{}{
				"==": []interface{}{map[string]interface{}{"var": "region"}, "eu"},
			},
			want: true,
		},
		{
			name: "string ordering",
			condition: map[string]interface{}{
				"<": []interface{}{"apple", "banana"},
			},
			want: true,
		},
		{
			name: "not equal",
			condition: map[string]interface{}{
				"!=": []interface{}{map[string]interface{}{"var": "region"}, "us"},
			},
			want: true,
		},
		{
			name: "mixed types equal is false not an error",
			condition: map[string]interface{}{
				"==": []interface{}{map[string]interface{}{"var": "region"}, 42},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEvaluateConditionLogic verifies and, or and negation composition.
func TestEvaluateConditionLogic(t *testing.T) {
	data := map[string]interface{}{
		"amount": 250.0,
		"region": "eu",
	}

	tests := []struct {
		name      string
		condition map[string]interface{}
		want      bool
	}{
		{
			name: "and both true",
			condition: map[string]interface{}{
				"and": []interface{}{
					map[string]interface{}{">": []interface{}{map[string]interface{}{"var": "amount"}, 100}},
					map[string]interface{}{"==": []interface{}{map[string]interface{}{"var": "region"}, "eu"}},
				},
			},
			want: true,
		},
		{
			name: "and short-circuits false",
			condition: map[string]interface{}{
				"and": []interface{}{
					map[string]interface{}{"<": []interface{}{map[string]interface{}{"var": "amount"}, 100}},
					map[string]interface{}{"==": []interface{}{map[string]interface{}{"var": "region"}, "eu"}},
				},
			},
			want: false,
		},
		{
			name: "or picks second branch",
			condition: map[string]interface{}{
				"or": []interface{}{
					map[string]interface{}{"<": []interface{}{map[string]interface{}{"var": "amount"}, 100}},
					map[string]interface{}{"==": []interface{}{map[string]interface{}{"var": "region"}, "eu"}},
				},
			},
			want: true,
		},
		{
			name: "negation",
			condition: map[string]interface{}{
				"!": []interface{}{map[string]interface{}{"var": "missing"}},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEvaluateConditionTruthiness verifies how non-boolean results coerce to
// the final verdict.
func TestEvaluateConditionTruthiness(t *testing.T) {
	tests := []struct {
		name      string
		condition map[string]interface{}
		data      map[string]interface{}
		want      bool
	}{
		{
			name:      "non-empty string is truthy",
			condition: map[string]interface{}{"var": "name"},
			data:      map[string]interface{}{"name": "alpha"},
			want:      true,
		},
		{
			name:      "empty string is falsy",
			condition: map[string]interface{}{"var": "name"},
			data:      map[string]interface{}{"name": ""},
			want:      false,
		},
		{
			name:      "zero is falsy",
			condition: map[string]interface{}{"var": "count"},
			data:      map[string]interface{}{"count": 0},
			want:      false,
		},
		{
			name:      "missing var is falsy",
			condition: map[string]interface{}{"var": "absent"},
			data:      map[string]interface{}{},
			want:      false,
		},
		{
			name:      "non-empty list is truthy",
			condition: map[string]interface{}{"var": "items"},
			data:      map[string]interface{}{"items": []interface{}{"a"}},
			want:      true,
		},
		{
			name:      "empty map is falsy",
			condition: map[string]interface{}{"var": "attrs"},
			data:      map[string]interface{}{"attrs": map[string]interface{}{}},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEvaluateConditionLength verifies the length operator over strings,
// lists and maps.
func TestEvaluateConditionLength(t *testing.T) {
	data := map[string]interface{}{
		"name":  "alpha",
		"items": []interface{}{1, 2, 3},
		"attrs": map[string]interface{}{"k": "v"},
	}

	tests := []struct {
		name      string
		condition map[string]interface{}
		want      bool
	}{
		{
			name: "string length",
			condition: map[string]interface{}{
				"==": []interface{}{
					map[string]interface{}{"length": map[string]interface{}{"var": "name"}},
					5,
				},
			},
			want: true,
		},
		{
			name: "list length",
			condition: map[string]interface{}{
				">": []interface{}{
					map[string]interface{}{"length": map[string]interface{}{"var": "items"}},
					2,
				},
			},
			want: true,
		},
		{
			name: "map length",
			condition: map[string]interface{}{
				"==": []interface{}{
					map[string]interface{}{"length": map[string]interface{}{"var": "attrs"}},
					1,
				},
			},
			want: true,
		},
		{
			name: "missing value has length zero",
			condition: map[string]interface{}{
				"==": []interface{}{
					map[string]interface{}{"length": map[string]interface{}{"var": "absent"}},
					0,
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEvaluateConditionErrors verifies malformed conditions fail hard instead
// of silently passing or suppressing.
func TestEvaluateConditionErrors(t *testing.T) {
	t.Run("unsupported operator", func(t *testing.T) {
		_, err := EvaluateCondition(map[string]interface{}{
			"between": []interface{}{1, 2, 3},
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported condition operator")
	})

	t.Run("ordering on mixed types", func(t *testing.T) {
		_, err := EvaluateCondition(map[string]interface{}{
			">": []interface{}{"abc", 5},
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not comparable")
	})

	t.Run("wrong arity", func(t *testing.T) {
		_, err := EvaluateCondition(map[string]interface{}{
			"==": []interface{}{1},
		}, nil)
		require.Error(t, err)
	})
}
