package segmentation

import (
	"fmt"
	"strings"
)

// Evaluate tests one criterion against one record. It is pure: the same
// inputs always produce the same result and nothing is mutated.
//
// A missing field satisfies is_null, fails is_not_null and raises
// EvalUnknownField for every other operator.
func Evaluate(c SegmentCriteria, r Record) (bool, error) {
	raw, present := r.Lookup(c.Field)

	switch c.Operator {
	case OpIsNull:
		return !present || isNullish(raw), nil
	case OpIsNotNull:
		return present && !isNullish(raw), nil
	}

	if !present {
		return false, evalErr(c, r, EvalUnknownField, "field not present on record")
	}

	switch c.Operator {
	case OpEquals, OpNotEquals:
		if !c.Value.IsScalar() {
			return false, evalErr(c, r, EvalTypeMismatch, "expected a scalar value")
		}
		eq := scalarEquals(raw, c.Value)
		if c.Operator == OpNotEquals {
			return !eq, nil
		}
		return eq, nil

	case OpContains, OpNotContains:
		if !c.Value.IsScalar() {
			return false, evalErr(c, r, EvalTypeMismatch, "expected a scalar value")
		}
		found := strings.Contains(toText(raw), c.Value.Text())
		if c.Operator == OpNotContains {
			return !found, nil
		}
		return found, nil

	case OpGreaterThan, OpLessThan:
		if !c.Value.IsScalar() {
			return false, evalErr(c, r, EvalTypeMismatch, "expected a scalar value")
		}
		left, ok := toNumber(raw)
		if !ok {
			return false, evalErr(c, r, EvalTypeMismatch, fmt.Sprintf("record value %q is not numeric", toText(raw)))
		}
		right, ok := toNumber(c.Value.operand())
		if !ok {
			return false, evalErr(c, r, EvalTypeMismatch, fmt.Sprintf("criterion value %q is not numeric", c.Value.Text()))
		}
		if c.Operator == OpGreaterThan {
			return left > right, nil
		}
		return left < right, nil

	case OpBetween:
		low, high, ok := bounds(c.Value)
		if !ok {
			return false, evalErr(c, r, EvalTypeMismatch, "between requires exactly two numeric bounds")
		}
		n, ok := toNumber(raw)
		if !ok {
			return false, evalErr(c, r, EvalTypeMismatch, fmt.Sprintf("record value %q is not numeric", toText(raw)))
		}
		return n >= low && n <= high, nil

	case OpIn, OpNotIn:
		if c.Value.Kind != KindList {
			return false, evalErr(c, r, EvalTypeMismatch, "expected a list value")
		}
		member := listContains(c.Value.List, raw)
		if c.Operator == OpNotIn {
			return !member, nil
		}
		return member, nil
	}

	return false, evalErr(c, r, EvalUnsupportedOperator, "")
}

func evalErr(c SegmentCriteria, r Record, kind EvaluationKind, reason string) *EvaluationError {
	return &EvaluationError{
		CriterionID: c.ID,
		Field:       c.Field,
		Operator:    c.Operator,
		Kind:        kind,
		RecordID:    r.ID,
		Reason:      reason,
	}
}

// scalarEquals compares numerically when both sides are numeric-looking,
// otherwise as case-sensitive strings.
func scalarEquals(raw any, v Value) bool {
	if left, ok := toNumber(raw); ok {
		if right, ok := toNumber(v.operand()); ok {
			return left == right
		}
	}
	return toText(raw) == v.Text()
}

// listContains is exact membership, never substring. List-valued record
// attributes match when any element is listed.
func listContains(list []Value, raw any) bool {
	for _, elem := range elements(raw) {
		for _, item := range list {
			if item.IsScalar() && scalarEquals(elem, item) {
				return true
			}
		}
	}
	return false
}

func bounds(v Value) (low, high float64, ok bool) {
	if v.Kind != KindList || len(v.List) != 2 {
		return 0, 0, false
	}
	low, okLow := toNumber(v.List[0].operand())
	high, okHigh := toNumber(v.List[1].operand())
	if !okLow || !okHigh || !v.List[0].IsScalar() || !v.List[1].IsScalar() {
		return 0, 0, false
	}
	return low, high, true
}
