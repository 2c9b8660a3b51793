// Package errors is the page healer's error taxonomy.
//
// A failure is always handled where it is detected, so most of these values
// end up in a log line rather than with a caller. Sentinels classify an
// error with errors.Is; the typed errors carry the path, offset or input the
// log line needs. Classify folds any error into the handful of failure
// classes a repair can end in.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrSignalMismatch marks a diagnostic event that does not report a
	// damaged page. It is ignored without logging.
	ErrSignalMismatch = errors.New("diagnostic event is not a page corruption report")
	// ErrAlreadyHealthy marks a page whose stored checksum already matches.
	ErrAlreadyHealthy = errors.New("page checksum already matches")
	// ErrUnresolved marks a page that no repair tier could make verify.
	ErrUnresolved = errors.New("corruption could not be repaired")
	// ErrTestModeDisabled is returned by fault injection outside test mode.
	ErrTestModeDisabled = errors.New("fault injection requires test mode")
)

// Class is the kind of failure a repair ended in.
type Class int

const (
	ClassNone Class = iota
	ClassSignalMismatch
	ClassParse
	ClassResource
	ClassAlreadyHealthy
	ClassUnresolved
	ClassOther
)

var classNames = [...]string{
	ClassNone:           "none",
	ClassSignalMismatch: "signal_mismatch",
	ClassParse:          "parse_failure",
	ClassResource:       "resource_failure",
	ClassAlreadyHealthy: "already_healthy",
	ClassUnresolved:     "unresolved_corruption",
	ClassOther:          "other",
}

func (c Class) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Classify returns the failure class of err. A nil error is ClassNone.
func Classify(err error) Class {
	var (
		ioErr    *IOError
		parseErr *ParseError
	)
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrSignalMismatch):
		return ClassSignalMismatch
	case errors.Is(err, ErrAlreadyHealthy):
		return ClassAlreadyHealthy
	case errors.Is(err, ErrUnresolved):
		return ClassUnresolved
	case errors.As(err, &ioErr):
		return ClassResource
	case errors.As(err, &parseErr):
		return ClassParse
	default:
		return ClassOther
	}
}

// NotFoundError is a missing relation, reference file, page or record.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// ValidationError is a rejected setting or request field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// IOError is a failed open, lock, seek, read, write or sync on a relation
// or reference file. Offset is -1 when the operation is not positional.
type IOError struct {
	Operation string
	Path      string
	Offset    int64
	Err       error
}

func (e *IOError) Error() string {
	msg := "failed to " + e.Operation
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseError is a diagnostic message, log line or relation path that could
// not be decoded.
type ParseError struct {
	What    string
	Input   string
	Message string
}

func (e *ParseError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("cannot parse %s: %s", e.What, e.Message)
	}
	return fmt.Sprintf("cannot parse %s %q: %s", e.What, e.Input, e.Message)
}

func (e *ParseError) Unwrap() error { return ErrInvalidInput }

func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewIO returns a non-positional IOError.
func NewIO(operation, path string, err error) *IOError {
	return &IOError{Operation: operation, Path: path, Offset: -1, Err: err}
}

// NewIOAt returns an IOError for an operation at a byte offset.
func NewIOAt(operation, path string, offset int64, err error) *IOError {
	return &IOError{Operation: operation, Path: path, Offset: offset, Err: err}
}

func NewParse(what, input, message string) *ParseError {
	return &ParseError{What: what, Input: input, Message: message}
}

// Is and As re-export the standard functions so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
