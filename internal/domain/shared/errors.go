// Package shared contains common domain types, errors, and events that are
// used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrExpired          = errors.New("expired")

	// Fetch-path errors (recovered locally via retry/fallback/cache)
	ErrStoreUnavailable = errors.New("item store unavailable")
	ErrTimeout          = errors.New("operation timeout")

	// Persistence-path errors (never block, never dropped)
	ErrPersistFailed = errors.New("persist failed")

	// Fallback exhaustion (the only fetch-path error that reaches the caller)
	ErrFallbackExhausted = errors.New("all fallbacks exhausted")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "review", "session", "queue"
	Op      string // Operation that failed, e.g., "Compose", "Flush"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Card domain errors
var (
	ErrCardNotFound      = NewDomainError("card", "Find", ErrNotFound, "card not found")
	ErrCardMissingFields = NewDomainError("card", "Validate", ErrValidation, "card record is missing required fields")
	ErrInvalidRegulation = NewDomainError("card", "Validate", ErrInvalidInput, "invalid regulation tag")
	ErrInvalidCategory   = NewDomainError("card", "Validate", ErrEmptyValue, "category cannot be empty")
)

// Review domain errors
var (
	ErrReviewStateNotFound = NewDomainError("review", "Find", ErrNotFound, "review state not found")
	ErrInvalidBoxNumber    = NewDomainError("review", "Validate", ErrValueOutOfRange, "box number must be between 1 and 5")
	ErrInvalidScore        = NewDomainError("review", "Validate", ErrValueOutOfRange, "score must be between 0 and 5")
)

// Session domain errors
var (
	ErrUnknownStrategy  = NewDomainError("session", "Compose", ErrInvalidInput, "unknown session strategy")
	ErrDueFetchFailed   = NewDomainError("session", "Compose", ErrStoreUnavailable, "due review fetch failed")
	ErrSessionExhausted = NewDomainError("session", "Compose", ErrFallbackExhausted, "no strategy produced a session")
)

// Pending update queue errors
var (
	ErrUpdateNotFound  = NewDomainError("queue", "Remove", ErrNotFound, "pending update not found")
	ErrQueueClosed     = NewDomainError("queue", "Submit", ErrInvalidState, "queue is closed")
	ErrUpdateDuplicate = NewDomainError("queue", "Apply", ErrAlreadyProcessed, "pending update already applied")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
// Validation errors are never retried and never fatal to a whole session.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsTransient reports whether the error is a fetch-path hiccup that may be
// retried with backoff. Timeouts are treated identically to store failures.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTimeout)
}

// IsExhausted checks if all strategies and cache fallbacks failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrFallbackExhausted)
}

// IsPersistFailure checks if an item store write failed. The corresponding
// pending update stays queued and is replayed later.
func IsPersistFailure(err error) bool {
	return errors.Is(err, ErrPersistFailed)
}
