package condition_test

import (
	"encoding/json"
	"testing"

	"github.com/frahmantamala/access-control/internal/authz/condition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		conds      map[string]any
		env        map[string]any
		wantOK     bool
		wantFailed string
	}{
		{name: "nil conditions are vacuous", conds: nil, env: nil, wantOK: true},
		{name: "equality holds", conds: map[string]any{"ownerOnly": true}, env: map[string]any{"ownerOnly": true}, wantOK: true},
		{name: "missing attribute denies", conds: map[string]any{"ownerOnly": true}, env: map[string]any{}, wantOK: false, wantFailed: "ownerOnly"},
		{name: "equality mismatch", conds: map[string]any{"ownerOnly": true}, env: map[string]any{"ownerOnly": false}, wantOK: false, wantFailed: "ownerOnly"},
		{name: "numbers compare across types", conds: map[string]any{"level": float64(3)}, env: map[string]any{"level": 3}, wantOK: true},
		{name: "gte", conds: map[string]any{"age": map[string]any{"$gte": 18}}, env: map[string]any{"age": 21}, wantOK: true},
		{name: "gte fails", conds: map[string]any{"age": map[string]any{"$gte": 18}}, env: map[string]any{"age": 17}, wantOK: false, wantFailed: "age"},
		{name: "range", conds: map[string]any{"hour": map[string]any{"$gte": 9, "$lt": 17}}, env: map[string]any{"hour": 12}, wantOK: true},
		{name: "in", conds: map[string]any{"region": map[string]any{"$in": []any{"eu", "us"}}}, env: map[string]any{"region": "eu"}, wantOK: true},
		{name: "nin", conds: map[string]any{"region": map[string]any{"$nin": []string{"cn"}}}, env: map[string]any{"region": "cn"}, wantOK: false, wantFailed: "region"},
		{name: "ne", conds: map[string]any{"status": map[string]any{"$ne": "banned"}}, env: map[string]any{"status": "active"}, wantOK: true},
		{name: "exists false allows absence", conds: map[string]any{"impersonating": map[string]any{"$exists": false}}, env: map[string]any{}, wantOK: true},
		{name: "exists true requires presence", conds: map[string]any{"tenant": map[string]any{"$exists": true}}, env: map[string]any{}, wantOK: false, wantFailed: "tenant"},
		{name: "string comparison is lexical", conds: map[string]any{"date": map[string]any{"$lt": "2025-01-01"}}, env: map[string]any{"date": "2024-12-31"}, wantOK: true},
		{name: "mixed types never satisfy comparators", conds: map[string]any{"age": map[string]any{"$gt": 1}}, env: map[string]any{"age": "2"}, wantOK: false, wantFailed: "age"},
		{name: "unknown operator never satisfies", conds: map[string]any{"x": map[string]any{"$regex": ".*"}}, env: map[string]any{"x": "a"}, wantOK: false, wantFailed: "x"},
		{name: "first failing attribute in name order", conds: map[string]any{"b": 1, "a": 1}, env: map[string]any{}, wantOK: false, wantFailed: "a"},
		{name: "json numbers", conds: map[string]any{"n": json.Number("5")}, env: map[string]any{"n": 5}, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, failed := condition.Evaluate(tt.conds, tt.env)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantFailed, failed)
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, condition.Validate(nil))
	require.NoError(t, condition.Validate(map[string]any{"ownerOnly": true}))
	require.NoError(t, condition.Validate(map[string]any{"age": map[string]any{"$gte": 18, "$lt": 65}}))

	invalid := []map[string]any{
		{"": true},
		{"x": map[string]any{}},
		{"x": map[string]any{"$regex": "a"}},
		{"x": map[string]any{"$in": "eu"}},
		{"x": map[string]any{"$exists": "yes"}},
		{"x": map[string]any{"$gt": true}},
	}
	for _, conds := range invalid {
		assert.Error(t, condition.Validate(conds), "%v should be rejected", conds)
	}
}
