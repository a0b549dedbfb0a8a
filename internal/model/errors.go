package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is returned when creating a task whose ID already exists.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTaskNotFound is returned by stop or transition requests for an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEventNotFound is returned when an event ID does not exist in the ledger.
	ErrEventNotFound = errors.New("event not found")

	// ErrConcurrencyConflict is returned when an atomic update could not be
	// committed after the storage layer exhausted its retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError describes a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// UpstreamError is a provider-reported failure status.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream error: status %d", e.Status)
	}
	return fmt.Sprintf("upstream error: status %d (%s)", e.Status, e.Detail)
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUpstream reports whether err wraps an *UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
