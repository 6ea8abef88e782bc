// Package errors provides structured error handling for Strata
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeMalformedRecord represents unparsable input records;
	// the record is skipped, counted and logged, the pipeline continues
	ErrorTypeMalformedRecord ErrorType = "malformed_record"
	// ErrorTypeCoercionAmbiguity represents a value matching more than one
	// type detector. Reserved for callers that must fail on unresolved
	// type claims; the ingest path resolves by precedence order and
	// records the ambiguity on the detection itself instead of erroring
	ErrorTypeCoercionAmbiguity ErrorType = "coercion_ambiguity"
	// ErrorTypeSchemaConflict represents a value incompatible with its
	// existing relational column type; the field falls back to the
	// document store for that record
	ErrorTypeSchemaConflict ErrorType = "schema_conflict"
	// ErrorTypeBackendUnavailable represents transient backend failures;
	// retried with backoff, then dead-lettered
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"
	// ErrorTypeTimeout represents timed-out backend operations
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeStaleDecision represents an optimistic-concurrency version
	// mismatch on a placement decision write
	ErrorTypeStaleDecision ErrorType = "stale_decision"
	// ErrorTypeMetadataCorruption represents corrupted durable metadata;
	// fatal at load, requires explicit operator-triggered rebuild
	ErrorTypeMetadataCorruption ErrorType = "metadata_corruption"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeBackendUnavailable, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error must halt startup or ingestion
// instead of being recovered locally.
func IsFatal(err error) bool {
	return IsType(err, ErrorTypeMetadataCorruption)
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
