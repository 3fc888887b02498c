// Package condition evaluates the attribute predicates attached to a
// permission against the environment supplied with an access check.
//
// A predicate maps an attribute name to either an expected value (equality)
// or an operator object such as {"$gte": 18} or {"$in": ["eu", "us"]}.
// Predicates are plain data; nothing here executes caller supplied code.
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpIn     = "$in"
	OpNin    = "$nin"
	OpGt     = "$gt"
	OpGte    = "$gte"
	OpLt     = "$lt"
	OpLte    = "$lte"
	OpExists = "$exists"
)

var knownOps = map[string]struct{}{
	OpEq: {}, OpNe: {}, OpIn: {}, OpNin: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {}, OpExists: {},
}

// Validate rejects predicates that could never be evaluated meaningfully.
func Validate(conds map[string]any) error {
	for attr, predicate := range conds {
		if strings.TrimSpace(attr) == "" {
			return fmt.Errorf("condition attribute name cannot be empty")
		}
		ops, isOp := operatorObject(predicate)
		if !isOp {
			continue
		}
		if len(ops) == 0 {
			return fmt.Errorf("condition %q: operator object is empty", attr)
		}
		for op, operand := range ops {
			if _, ok := knownOps[op]; !ok {
				return fmt.Errorf("condition %q: unknown operator %s", attr, op)
			}
			switch op {
			case OpIn, OpNin:
				if _, ok := asSlice(operand); !ok {
					return fmt.Errorf("condition %q: %s expects an array", attr, op)
				}
			case OpExists:
				if _, ok := operand.(bool); !ok {
					return fmt.Errorf("condition %q: %s expects a boolean", attr, op)
				}
			case OpGt, OpGte, OpLt, OpLte:
				if _, isNum := toFloat(operand); !isNum {
					if _, isStr := operand.(string); !isStr {
						return fmt.Errorf("condition %q: %s expects a number or string", attr, op)
					}
				}
			}
		}
	}
	return nil
}

// Evaluate reports whether every predicate in conds holds against env. When it
// does not, the first failing attribute (in name order) is returned. An empty
// or nil conds is vacuously satisfied.
func Evaluate(conds map[string]any, env map[string]any) (bool, string) {
	if len(conds) == 0 {
		return true, ""
	}
	attrs := make([]string, 0, len(conds))
	for attr := range conds {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	for _, attr := range attrs {
		actual, present := env[attr]
		if !satisfies(conds[attr], actual, present) {
			return false, attr
		}
	}
	return true, ""
}

func satisfies(predicate, actual any, present bool) bool {
	ops, isOp := operatorObject(predicate)
	if !isOp {
		return present && equal(predicate, actual)
	}
	if len(ops) == 0 {
		return false
	}
	for op, operand := range ops {
		if op == OpExists {
			want, ok := operand.(bool)
			if !ok || want != present {
				return false
			}
			continue
		}
		if !present {
			return false
		}
		if !apply(op, operand, actual) {
			return false
		}
	}
	return true
}

func apply(op string, operand, actual any) bool {
	switch op {
	case OpEq:
		return equal(operand, actual)
	case OpNe:
		return !equal(operand, actual)
	case OpIn:
		return contains(operand, actual)
	case OpNin:
		items, ok := asSlice(operand)
		return ok && !containsItem(items, actual)
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := compare(actual, operand)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

// operatorObject returns the map when every key of predicate is an operator.
func operatorObject(predicate any) (map[string]any, bool) {
	m, ok := predicate.(map[string]any)
	if !ok || len(m) == 0 {
		return m, ok && len(m) == 0
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func contains(operand, actual any) bool {
	items, ok := asSlice(operand)
	return ok && containsItem(items, actual)
}

func containsItem(items []any, actual any) bool {
	for _, item := range items {
		if equal(item, actual) {
			return true
		}
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func equal(expected, actual any) bool {
	if ef, ok := toFloat(expected); ok {
		af, ok := toFloat(actual)
		return ok && ef == af
	}
	if es, ok := asSlice(expected); ok {
		if _, isBytes := expected.([]byte); !isBytes {
			as, ok := asSlice(actual)
			if !ok || len(as) != len(es) {
				return false
			}
			for i := range es {
				if !equal(es[i], as[i]) {
					return false
				}
			}
			return true
		}
	}
	return reflect.DeepEqual(expected, actual)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
