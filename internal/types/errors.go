package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown or evicted jobs, pages and voices.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation does not apply to the current state.
	ErrConflict = errors.New("conflict")
	// ErrForbidden is returned for bad or expired upload signatures.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition is returned when a page state change is not allowed.
	ErrInvalidTransition = errors.New("invalid page state transition")
)

// ValidationError reports a malformed request. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RateLimitedError reports that the caller exceeded its window budget.
type RateLimitedError struct {
	Kind       string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s limit %d, retry after %s", e.Kind, e.Limit, e.RetryAfter)
}

// UpstreamTransientError wraps a retriable failure from a model backend.
type UpstreamTransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: upstream: %v", e.Op, e.Err)
}

func (e *UpstreamTransientError) Unwrap() error { return e.Err }

// Stage names the pipeline stage a page failed in.
type Stage string

const (
	StageUpload     Stage = "upload"
	StageExtraction Stage = "extraction"
	StageSynthesis  Stage = "synthesis"
)

// PageFailure is a failure isolated to one page of one job.
type PageFailure struct {
	JobID  string
	Index  int
	Stage  Stage
	Reason string
	Err    error
}

func (e *PageFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %s page %d: %s", e.JobID, e.Index, e.Reason)
	}
	return fmt.Sprintf("job %s page %d: %s: %v", e.JobID, e.Index, e.Reason, e.Err)
}

func (e *PageFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRateLimited reports whether err is a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var r *RateLimitedError
	ok := errors.As(err, &r)
	return r, ok
}

// IsTransient reports whether err should be retried by a worker pool.
func IsTransient(err error) bool {
	var u *UpstreamTransientError
	return errors.As(err, &u)
}
