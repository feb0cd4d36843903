package paramspace

import (
	"fmt"

	"strategy-validation-lab/internal/domain"
)

// SatisfiesConstraints reports whether a value map passes every constraint.
// Constraints referencing values absent from the map pass vacuously.
func SatisfiesConstraints(values map[string]interface{}, constraints []domain.ParameterConstraint) bool {
	for _, c := range constraints {
		if !satisfies(values, c) {
			return false
		}
	}
	return true
}

func satisfies(values map[string]interface{}, c domain.ParameterConstraint) bool {
	if c.Type == domain.ConstraintCustom {
		if c.Predicate == nil {
			return true
		}
		return c.Predicate(values)
	}

	left, ok := values[c.Param1]
	if !ok {
		return true
	}

	var right interface{}
	if c.Param2 != "" {
		right, ok = values[c.Param2]
		if !ok {
			return true
		}
	} else {
		right = c.Value
	}

	switch c.Type {
	case domain.ConstraintLessThan:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		return !lok || !rok || lf < rf
	case domain.ConstraintGreaterThan:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		return !lok || !rok || lf > rf
	case domain.ConstraintNotEqual:
		return valueKeyOne(left) != valueKeyOne(right)
	default:
		return true
	}
}

// toFloat converts numeric values of any Go numeric type to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

// valueKeyOne renders a single value for structural comparison. Whole floats
// and ints render identically so schema defaults decoded as float64 match
// generated integer values.
func valueKeyOne(v interface{}) string {
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("%g", f)
	}
	return fmt.Sprintf("%v", v)
}
