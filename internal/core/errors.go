package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Render/link/schema failure before publish
	ErrCatState      ErrorCategory = "state"      // Transition or ledger conflict
	ErrCatLock       ErrorCategory = "lock"       // Run-lock contention
	ErrCatCollab     ErrorCategory = "collab"     // Collaborator exhausted its retry budget
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Predefined error codes.
const (
	CodeLockHeld          = "LOCK_HELD"
	CodeNotHolder         = "NOT_HOLDER"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyAdvanced   = "ALREADY_ADVANCED"
	CodeStaleDraft        = "STALE_DRAFT"
	CodeCapExceeded       = "CAP_EXCEEDED"
	CodeNoActiveDraft     = "NO_ACTIVE_DRAFT"
	CodeWrongStage        = "WRONG_STAGE"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeNotReplayable     = "NOT_REPLAYABLE"
	CodeRunExists         = "RUN_EXISTS"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeCompositionFailed = "COMPOSITION_FAILED"
	CodeCollectionFailed  = "COLLECTION_FAILED"
	CodePublishFailed     = "PUBLISH_FAILED"
	CodeRecordFailed      = "RECORD_FAILED"
)

// ErrLockHeld signals that another run currently holds the singleton lock.
// Informational, not an incident.
func ErrLockHeld(holder RunID) *DomainError {
	return &DomainError{
		Category: ErrCatLock,
		Code:     CodeLockHeld,
		Message:  fmt.Sprintf("run lock held by %s", holder),
		Details:  map[string]interface{}{"holder_run_id": string(holder)},
	}
}

// ErrNotHolder signals a release attempt by a run that does not hold the
// lock. Surfaces logic bugs instead of silently succeeding.
func ErrNotHolder(runID RunID) *DomainError {
	return &DomainError{
		Category: ErrCatLock,
		Code:     CodeNotHolder,
		Message:  fmt.Sprintf("run %s does not hold the lock", runID),
	}
}

// ErrInvalidTransition signals an attempted stage skip or regression.
// Indicates a programming or concurrency bug; never silently absorbed.
func ErrInvalidTransition(runID RunID, from, to Stage) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     CodeInvalidTransition,
		Message:  fmt.Sprintf("invalid transition for %s: %s -> %s", runID, from, to),
	}
}

// ErrAlreadyAdvanced signals an advance call whose target stage was already
// reached. Callers treat it as success.
func ErrAlreadyAdvanced(runID RunID, current, target Stage) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     CodeAlreadyAdvanced,
		Message:  fmt.Sprintf("run %s already at %s, target %s", runID, current, target),
	}
}

// ErrStaleDraft rejects approval of a draft older than the staleness window.
func ErrStaleDraft(runID RunID, age, threshold string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     CodeStaleDraft,
		Message:  fmt.Sprintf("draft for %s is %s old, staleness threshold is %s", runID, age, threshold),
	}
}

// ErrCapExceeded rejects a feedback submission past the revision cap.
func ErrCapExceeded(runID RunID, limit int) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     CodeCapExceeded,
		Message:  fmt.Sprintf("run %s reached the revision cap of %d", runID, limit),
	}
}

// ErrValidation creates a pre-publish validation error.
func ErrValidation(message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     CodeValidationFailed,
		Message:  message,
	}
}

// ErrNotFound creates a not-found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeRunNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrCollaborator wraps a terminal collaborator failure. The collaborator
// owns retries; by the time this surfaces its budget is exhausted.
func ErrCollaborator(code string, cause error) *DomainError {
	return &DomainError{
		Category: ErrCatCollab,
		Code:     code,
		Message:  "collaborator failed after exhausting retries",
		Cause:    cause,
	}
}

// HasCode checks whether err carries the given domain error code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}
