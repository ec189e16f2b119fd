package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/segment-engine/internal/pkg/httputil"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/search"
	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
)

// Error codes carried in the envelope's "code" field.
const (
	codeValidation  = "validation_failed"
	codeForbidden   = "forbidden"
	codeNotFound    = "not_found"
	codeConflict    = "refresh_in_progress"
	codeUnavailable = "corpus_unavailable"
	codeInternal    = "internal_error"
)

// respondError maps domain errors onto the JSON error envelope. 5xx
// responses never carry the internal error text; it is logged instead.
func respondError(w http.ResponseWriter, err error) {
	var (
		verr *segmentation.ValidationError
		cerr *segmentation.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, verr.Message, verr)
	case errors.Is(err, segmentation.ErrValidation):
		httputil.ErrorWithCode(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
	case errors.Is(err, segmentation.ErrForbidden):
		httputil.ErrorWithCode(w, http.StatusForbidden, codeForbidden, err.Error(), nil)
	case errors.Is(err, segmentation.ErrNotFound),
		errors.Is(err, search.ErrSavedSearchNotFound),
		errors.Is(err, storage.ErrNotPublished):
		httputil.ErrorWithCode(w, http.StatusNotFound, codeNotFound, err.Error(), nil)
	case errors.As(err, &cerr):
		httputil.ErrorWithCode(w, http.StatusConflict, codeConflict, "a refresh of this segment is already running",
			map[string]string{"segmentId": cerr.SegmentID.String()})
	case errors.Is(err, segmentation.ErrCorpusUnavailable):
		logger.Error("corpus unavailable", "error", err)
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, codeUnavailable, "entity data is temporarily unavailable", nil)
	default:
		logger.Error("request failed", "error", err)
		httputil.ErrorWithCode(w, http.StatusInternalServerError, codeInternal, safeErrorMessage(err), nil)
	}
}

// safeErrorMessage maps common internal error patterns to public-safe messages.
func safeErrorMessage(err error) string {
	if err == nil {
		return "An internal error occurred"
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	case strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "transaction") ||
		strings.Contains(errStr, "database"):
		return "A database error occurred"

	default:
		return "An internal error occurred"
	}
}
