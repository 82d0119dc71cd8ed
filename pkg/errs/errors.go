// Package errs defines the error kinds shared by the billing, quota, mandate and
// lifecycle services, and their mapping to HTTP status codes.
package errs

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinel kinds. Concrete errors are marked with one (or more) of these so that
// callers can classify them with errors.Is regardless of wrapping.
var (
	ErrValidation           = errors.New("validation error")
	ErrInvalidState         = errors.New("not allowed in current state")
	ErrNotFound             = errors.New("resource not found")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrConsistencyViolation = errors.New("consistency violation")
	ErrCycleDetected        = errors.New("cycle detected")
	ErrExternalCollaborator = errors.New("external collaborator failure")
)

const (
	CodeValidation           = "validation_error"
	CodeInvalidState         = "invalid_state"
	CodeNotFound             = "not_found"
	CodeQuotaExceeded        = "quota_exceeded"
	CodeConcurrencyConflict  = "concurrency_conflict"
	CodeConsistencyViolation = "consistency_violation"
	CodeCycleDetected        = "cycle_detected"
	CodeExternalCollaborator = "external_collaborator_failure"
	CodeInternal             = "internal_error"
)

// kinds is ordered: the first match wins, so more specific kinds come first.
var kinds = []struct {
	sentinel error
	code     string
	status   int
}{
	{ErrInvalidState, CodeInvalidState, http.StatusConflict},
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrQuotaExceeded, CodeQuotaExceeded, http.StatusForbidden},
	{ErrConcurrencyConflict, CodeConcurrencyConflict, http.StatusServiceUnavailable},
	{ErrConsistencyViolation, CodeConsistencyViolation, http.StatusInternalServerError},
	{ErrCycleDetected, CodeCycleDetected, http.StatusInternalServerError},
	{ErrExternalCollaborator, CodeExternalCollaborator, http.StatusBadGateway},
}

// Validation returns an error for a request that can never succeed as stated.
func Validation(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrValidation)
}

// InvalidState returns a validation error for an operation that is not allowed
// in the entity's current state.
func InvalidState(format string, args ...interface{}) error {
	err := errors.Mark(errors.NewWithDepthf(1, format, args...), ErrInvalidState)
	return errors.Mark(err, ErrValidation)
}

// NotFound returns an error for a missing entity.
func NotFound(entity string, id interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, "%s %v not found", entity, id), ErrNotFound)
}

// QuotaExceeded returns an error for a resource whose allowance is used up.
func QuotaExceeded(resource string, used, allowed int64) error {
	return errors.WithHint(
		errors.Mark(errors.NewWithDepthf(1, "quota exceeded for %s: %d used of %d allowed", resource, used, allowed), ErrQuotaExceeded),
		"purchase an add-on or upgrade the plan to raise the allowance",
	)
}

// Conflict wraps a storage error caused by lock or serialization contention.
func Conflict(err error) error {
	return errors.WithHint(
		errors.Mark(errors.WrapWithDepth(1, err, "concurrency conflict"), ErrConcurrencyConflict),
		"the operation can be retried from the start",
	)
}

// ConsistencyViolation returns an error for an invariant found broken in stored data.
func ConsistencyViolation(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrConsistencyViolation)
}

// CycleDetected returns an error for a parent-link cycle.
func CycleDetected(format string, args ...interface{}) error {
	return errors.Mark(errors.NewWithDepthf(1, format, args...), ErrCycleDetected)
}

// ExternalFailure wraps a failure of a notification sender or object store.
func ExternalFailure(err error, collaborator string) error {
	return errors.Mark(errors.WrapWithDepthf(1, err, "%s failed", collaborator), ErrExternalCollaborator)
}

// WithHint attaches a user-facing hint to err.
func WithHint(err error, hint string) error {
	return errors.WithHint(err, hint)
}

// Hints returns the user-facing hints attached to err.
func Hints(err error) []string {
	return errors.GetAllHints(err)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }

func IsConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }

func IsConsistencyViolation(err error) bool { return errors.Is(err, ErrConsistencyViolation) }

func IsCycleDetected(err error) bool { return errors.Is(err, ErrCycleDetected) }

// Retryable reports whether the whole operation may be retried by the caller.
func Retryable(err error) bool {
	return IsConflict(err)
}

// Code returns the machine-readable code for err.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status code for err.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
