// Package errors provides standardized API error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a standardized API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Retriable  bool   `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is matches errors by code, so copies made with WithMessage or
// WithDetails still compare equal to their sentinel.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	clone := *e
	clone.Message = message
	return &clone
}

// Wrap returns a copy of the error carrying the cause in its message.
func (e *APIError) Wrap(cause error) *APIError {
	clone := *e
	clone.Message = fmt.Sprintf("%s: %v", e.Message, cause)
	return &clone
}

// Validation errors (4xx, never retried).
var (
	ErrInvalidAddress = &APIError{
		Code:       "invalid_address",
		Message:    "Invalid address",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidCommitHash = &APIError{
		Code:       "invalid_commit_hash",
		Message:    "Commit hash must be a 0x-prefixed hex string",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidJobID = &APIError{
		Code:       "invalid_job_id",
		Message:    "Job id must be a decimal or hex integer",
		StatusCode: http.StatusBadRequest,
	}

	ErrSchemaViolation = &APIError{
		Code:       "schema_violation",
		Message:    "Request payload failed schema validation",
		StatusCode: http.StatusBadRequest,
	}

	ErrBadRequest = &APIError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}
)

// State errors (4xx/409, never retried).
var (
	ErrRoundNotFound = &APIError{
		Code:       "round_not_found",
		Message:    "Round not found",
		StatusCode: http.StatusNotFound,
	}

	ErrArtifactNotFound = &APIError{
		Code:       "artifact_not_found",
		Message:    "Artifact not found",
		StatusCode: http.StatusNotFound,
	}

	ErrNotEnrolled = &APIError{
		Code:       "not_enrolled",
		Message:    "Agent is not enrolled in this round for the required role",
		StatusCode: http.StatusForbidden,
	}

	ErrCommitClosed = &APIError{
		Code:       "commit_closed",
		Message:    "Commit window has closed",
		StatusCode: http.StatusConflict,
	}

	ErrRevealClosed = &APIError{
		Code:       "reveal_closed",
		Message:    "Reveal window has closed",
		StatusCode: http.StatusConflict,
	}

	ErrMissingCommit = &APIError{
		Code:       "missing_commit",
		Message:    "No commitment on record for this agent",
		StatusCode: http.StatusConflict,
	}

	ErrCommitmentMismatch = &APIError{
		Code:       "commitment_mismatch",
		Message:    "Revealed payload does not match the committed hash",
		StatusCode: http.StatusConflict,
	}

	ErrAlreadyClosed = &APIError{
		Code:       "already_closed",
		Message:    "Round is already closed",
		StatusCode: http.StatusConflict,
	}
)

// Policy errors.
var (
	ErrModerationRejected = &APIError{
		Code:       "moderation_rejected",
		Message:    "Submission rejected by moderation",
		StatusCode: http.StatusUnprocessableEntity,
	}
)

// Transient transport errors (retried with exponential backoff).
var (
	ErrLedgerUnavailable = &APIError{
		Code:       "ledger_unavailable",
		Message:    "Ledger temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Retriable:  true,
	}

	ErrStoreUnavailable = &APIError{
		Code:       "store_unavailable",
		Message:    "Persistent store temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Retriable:  true,
	}

	ErrStoreConflict = &APIError{
		Code:       "store_conflict",
		Message:    "Key collision on create",
		StatusCode: http.StatusConflict,
		Retriable:  true,
	}

	ErrAPIUnavailable = &APIError{
		Code:       "api_unavailable",
		Message:    "Upstream API temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Retriable:  true,
	}
)

// Consistency and security errors.
var (
	ErrInfluenceValidationFailed = &APIError{
		Code:       "influence_validation_failed",
		Message:    "Influence scores diverged from the reference validator",
		StatusCode: http.StatusInternalServerError,
	}

	ErrSignatureFailed = &APIError{
		Code:       "signature_failed",
		Message:    "Failed to produce typed-data signature",
		StatusCode: http.StatusInternalServerError,
	}

	ErrNonceExhausted = &APIError{
		Code:       "nonce_exhausted",
		Message:    "Could not reserve a nonce",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrInternal = &APIError{
		Code:       "internal_error",
		Message:    "An internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimited = &APIError{
		Code:       "rate_limited",
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// IsRetriable reports whether err is a transient error worth retrying.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retriable
	}
	return false
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal
}
