// Package fault defines the error taxonomy shared by ingestion, the
// transform pipeline, storage and the HTTP layer.
//
// Client faults are caused by the caller's input and are never retried.
// Everything else is a server fault.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("artifact not found")
	ErrExpired      = errors.New("artifact expired")
	ErrForbidden    = errors.New("not the owner of this artifact")
	ErrInvalidJobID = errors.New("invalid job id")
	ErrInvalidKey   = errors.New("invalid storage key")
	ErrUnauthorized = errors.New("authentication required")
	// ErrJobExists rejects a second job for an id that already has, or is
	// producing, an artifact.
	ErrJobExists = errors.New("job already exists")
	// ErrUploadNotReserved rejects uploads without an issued upload ticket.
	ErrUploadNotReserved = errors.New("upload was not reserved")
)

// InvalidModelError reports an input buffer that could not be turned into a document.
type InvalidModelError struct {
	Reason string
	Err    error
}

func (e *InvalidModelError) Error() string {
	if e.Err != nil {
		return "invalid model: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid model: " + e.Reason
}

func (e *InvalidModelError) Unwrap() error { return e.Err }

// InvalidModel builds an InvalidModelError.
func InvalidModel(reason string, err error) error {
	return &InvalidModelError{Reason: reason, Err: err}
}

// InvalidSettingsError reports a settings field outside its allowed range.
type InvalidSettingsError struct {
	Field  string
	Reason string
}

func (e *InvalidSettingsError) Error() string {
	return fmt.Sprintf("invalid settings: %s %s", e.Field, e.Reason)
}

// InvalidSettings builds an InvalidSettingsError.
func InvalidSettings(field, reason string) error {
	return &InvalidSettingsError{Field: field, Reason: reason}
}

// Limit names the admission limit a job ran into.
type Limit string

const (
	LimitFileSize     Limit = "file_size"
	LimitStorageQuota Limit = "storage_quota"
)

// LimitExceededError is raised before any pipeline work when a job
// would exceed the per-file ceiling or the caller's storage quota.
type LimitExceededError struct {
	Limit  Limit
	Max    int64
	Actual int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d > %d bytes", e.Limit, e.Actual, e.Max)
}

// LimitExceeded builds a LimitExceededError.
func LimitExceeded(limit Limit, max, actual int64) error {
	return &LimitExceededError{Limit: limit, Max: max, Actual: actual}
}

// OptimizationFailedError wraps a transform stage failure.
type OptimizationFailedError struct {
	Stage string
	Err   error
}

func (e *OptimizationFailedError) Error() string {
	return "optimization failed at " + e.Stage + ": " + e.Err.Error()
}

func (e *OptimizationFailedError) Unwrap() error { return e.Err }

// OptimizationFailed wraps err as a server fault unless it already is an
// InvalidModelError, which keeps its client-fault classification.
func OptimizationFailed(stage string, err error) error {
	if err == nil {
		return nil
	}
	var im *InvalidModelError
	if errors.As(err, &im) {
		return err
	}
	var of *OptimizationFailedError
	if errors.As(err, &of) {
		return err
	}
	return &OptimizationFailedError{Stage: stage, Err: err}
}

// IsClient reports whether err was caused by the caller.
func IsClient(err error) bool {
	var (
		im *InvalidModelError
		is *InvalidSettingsError
		le *LimitExceededError
	)
	switch {
	case errors.As(err, &im), errors.As(err, &is), errors.As(err, &le):
		return true
	case errors.Is(err, ErrInvalidJobID), errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrJobExists), errors.Is(err, ErrUploadNotReserved):
		return true
	}
	return false
}
