package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrMissingField        = errors.New("missing field")
	ErrInvalidField        = errors.New("invalid field")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrNotFound            = errors.New("not found")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// NotFoundError names the missing resource. It matches ErrNotFound.
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UpstreamError is a failure of an external capability (OCR, embedding,
// generation) tagged with the stage that called it.
type UpstreamError struct {
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// StorageError is a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// StageError names the ingestion stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("failed to %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError unless it already is one or is nil.
func Upstream(stage string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Stage: stage, Err: err}
}

// Storage wraps err as a StorageError, leaving not-found and validation
// errors untouched so callers can still map them.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.As(err, &ve) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
