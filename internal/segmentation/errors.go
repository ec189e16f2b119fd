package segmentation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound          = errors.New("segment not found")
	ErrForbidden         = errors.New("not allowed to create segments")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("refresh already in progress")
	ErrCorpusUnavailable = errors.New("corpus unavailable")
)

// ValidationError is returned synchronously for malformed input. Nothing
// is persisted when it is returned.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError builds a ValidationError for a named input field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return invalid(field, format, args...)
}

// EvaluationKind classifies an EvaluationError.
type EvaluationKind string

const (
	EvalUnknownField        EvaluationKind = "unknown_field"
	EvalTypeMismatch        EvaluationKind = "type_mismatch"
	EvalUnsupportedOperator EvaluationKind = "unsupported_operator"
)

// EvaluationError is scoped to one criterion and one record. It excludes
// the record from membership and never aborts a materialization.
type EvaluationError struct {
	CriterionID string
	Field       string
	Operator    Operator
	Kind        EvaluationKind
	RecordID    string
	Reason      string
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("criterion %s (%s %s): %s", e.CriterionID, e.Field, e.Operator, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.RecordID != "" {
		msg += " [record " + e.RecordID + "]"
	}
	return msg
}

// RefreshFailure wraps a materialization failure for an existing segment.
// The segment keeps its previous membership.
type RefreshFailure struct {
	SegmentID uuid.UUID
	Err       error
}

func (e *RefreshFailure) Error() string {
	return fmt.Sprintf("refresh segment %s: %v", e.SegmentID, e.Err)
}

func (e *RefreshFailure) Unwrap() error { return e.Err }

// ConflictError reports that a refresh of the same segment is already in
// flight. Callers treat it as a no-op.
type ConflictError struct {
	SegmentID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.SegmentID, ErrConflict)
}

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IsConflict reports whether err means another refresh owns the segment.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
