package segmentation

// Combine folds criteria strictly left to right:
//
//	result = eval(c0)
//	result = result <op_i> eval(c_i)   for i = 1..n-1
//
// There is no precedence and no grouping, so A AND B OR C is (A AND B) OR C.
// Saved criteria lists depend on this positional reading.
//
// An empty list never matches. Any EvaluationError makes the whole
// combination false for this record; the error is returned so callers can
// count it.
func Combine(criteria []SegmentCriteria, r Record) (bool, error) {
	if len(criteria) == 0 {
		return false, nil
	}

	lastOr := -1
	for i := len(criteria) - 1; i > 0; i-- {
		if criteria[i].LogicalOperator == LogicOr {
			lastOr = i
			break
		}
	}

	result, err := Evaluate(criteria[0], r)
	if err != nil {
		return false, err
	}

	for i := 1; i < len(criteria); i++ {
		// Once false with only ANDs left, nothing can flip the result back.
		if !result && i > lastOr {
			return false, nil
		}

		next, err := Evaluate(criteria[i], r)
		if err != nil {
			return false, err
		}

		if criteria[i].LogicalOperator == LogicOr {
			result = result || next
		} else {
			result = result && next
		}
	}

	return result, nil
}
