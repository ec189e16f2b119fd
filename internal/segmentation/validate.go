package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateCriteria checks operator and value shapes. It does not check
// whether fields exist on any entity; unknown fields surface per record
// during evaluation.
func ValidateCriteria(criteria []SegmentCriteria) error {
	for i, c := range criteria {
		field := fmt.Sprintf("criteria[%d]", i)

		if strings.TrimSpace(c.Field) == "" {
			return invalid(field+".field", "field is required")
		}

		meta := getOperatorMeta(c.Operator)
		if meta == nil {
			return invalid(field+".operator", "unknown operator %q", c.Operator)
		}

		if i > 0 && c.LogicalOperator != LogicAnd && c.LogicalOperator != LogicOr {
			return invalid(field+".logicalOperator", "must be AND or OR, got %q", c.LogicalOperator)
		}

		switch c.Operator {
		case OpIsNull, OpIsNotNull:
			// value ignored
		case OpBetween:
			if c.Value.Kind != KindList || len(c.Value.List) != 2 {
				return invalid(field+".value", "between requires a [low, high] list")
			}
			if _, _, ok := bounds(c.Value); !ok {
				return invalid(field+".value", "between bounds must be numeric")
			}
		case OpIn, OpNotIn:
			if c.Value.Kind != KindList {
				return invalid(field+".value", "%s requires a list value", c.Operator)
			}
			if len(c.Value.List) == 0 {
				return invalid(field+".value", "%s requires at least one value", c.Operator)
			}
			for j, item := range c.Value.List {
				if !item.IsScalar() {
					return invalid(fmt.Sprintf("%s.value[%d]", field, j), "list items must be strings or numbers")
				}
			}
		case OpGreaterThan, OpLessThan:
			if !c.Value.IsScalar() {
				return invalid(field+".value", "%s requires a single value", c.Operator)
			}
			if _, ok := toNumber(c.Value.operand()); !ok {
				return invalid(field+".value", "%s requires a numeric value", c.Operator)
			}
		default:
			if !c.Value.IsScalar() {
				return invalid(field+".value", "%s requires a single value", c.Operator)
			}
		}
	}
	return nil
}

// normalizeCriteria assigns missing criterion ids and clears the logical
// operator of the first criterion, which is never read.
func normalizeCriteria(criteria []SegmentCriteria) []SegmentCriteria {
	out := cloneCriteria(criteria)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		out[i].Field = strings.TrimSpace(out[i].Field)
	}
	if len(out) > 0 {
		out[0].LogicalOperator = ""
	}
	return out
}

// HashCriteria returns a stable digest of a criteria list for an entity
// type, used to tag materialization results.
func HashCriteria(entityType EntityType, criteria []SegmentCriteria) string {
	type hashed struct {
		Field    string        `json:"f"`
		Operator Operator      `json:"o"`
		Value    Value         `json:"v"`
		Logic    LogicOperator `json:"l,omitempty"`
	}
	data := struct {
		EntityType EntityType `json:"entity_type"`
		Criteria   []hashed   `json:"criteria"`
	}{EntityType: entityType, Criteria: make([]hashed, len(criteria))}

	for i, c := range criteria {
		h := hashed{Field: c.Field, Operator: c.Operator, Value: c.Value}
		if i > 0 {
			h.Logic = c.LogicalOperator
		}
		data.Criteria[i] = h
	}

	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}
