package procmgr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SupervisorError represents an error with additional context for troubleshooting.
type SupervisorError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Worker lifecycle errors
	ErrorCodeSpawnFailed         ErrorCode = "SPAWN_FAILED"
	ErrorCodeChannelClosed       ErrorCode = "CHANNEL_CLOSED"
	ErrorCodeMaxRestartsExceeded ErrorCode = "MAX_RESTARTS_EXCEEDED"

	// Configuration errors
	ErrorCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"

	// Supervisor errors
	ErrorCodeMonitorFailed ErrorCode = "MONITOR_FAILED"
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They match any SupervisorError with the same code.
var (
	ErrSpawn                = &SupervisorError{Code: ErrorCodeSpawnFailed}
	ErrChannelClosed        = &SupervisorError{Code: ErrorCodeChannelClosed}
	ErrMaxRestartsExceeded  = &SupervisorError{Code: ErrorCodeMaxRestartsExceeded}
	ErrInvalidConfiguration = &SupervisorError{Code: ErrorCodeInvalidConfiguration}
	ErrMonitorFailed        = &SupervisorError{Code: ErrorCodeMonitorFailed}
	ErrInternal             = &SupervisorError{Code: ErrorCodeInternalError}
)

// Error implements the error interface
func (e *SupervisorError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *SupervisorError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SupervisorError carrying the same code.
func (e *SupervisorError) Is(target error) bool {
	t, ok := target.(*SupervisorError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new SupervisorError with the given code and message
func NewError(code ErrorCode, message string) *SupervisorError {
	return &SupervisorError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *SupervisorError) WithContext(key string, value interface{}) *SupervisorError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *SupervisorError) WithCause(cause error) *SupervisorError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *SupervisorError) WithSuggestion(suggestion string) *SupervisorError {
	e.Suggestion = suggestion
	return e
}

// NewSpawnError reports that the OS could not create a worker process.
func NewSpawnError(id WorkerID, path string, cause error) *SupervisorError {
	return NewError(ErrorCodeSpawnFailed,
		fmt.Sprintf("Failed to spawn worker '%s'", id)).
		WithContext("worker", string(id)).
		WithContext("executable", path).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Executable not found or not runnable\n" +
				"  2. Process or file descriptor limits reached\n" +
				"  3. Insufficient permissions")
}

// NewChannelError reports a send or receive on a channel whose peer is gone.
// It never triggers a restart by itself; liveness comes from the exit status.
func NewChannelError(id WorkerID, cause error) *SupervisorError {
	return NewError(ErrorCodeChannelClosed,
		fmt.Sprintf("Worker '%s' is unreachable", id)).
		WithContext("worker", string(id)).
		WithCause(cause)
}

// NewConfigurationError reports an invalid setting, rejected at construction.
func NewConfigurationError(field string, value interface{}, reason string) *SupervisorError {
	return NewError(ErrorCodeInvalidConfiguration,
		fmt.Sprintf("Invalid configuration: %s", reason)).
		WithContext("field", field).
		WithContext("value", value)
}

// NewMonitorError reports that the health monitor itself could not continue.
func NewMonitorError(recovered interface{}) *SupervisorError {
	err := NewError(ErrorCodeMonitorFailed, "Health monitor stopped unexpectedly")
	if cause, ok := recovered.(error); ok {
		return err.WithCause(cause)
	}
	return err.WithCause(fmt.Errorf("%v", recovered))
}

// NewMaxRestartsError reports that a worker hit its restart limit and is no
// longer supervised.
func NewMaxRestartsError(id WorkerID, restarts, max int) *SupervisorError {
	return NewError(ErrorCodeMaxRestartsExceeded,
		fmt.Sprintf("Worker '%s' exceeded its restart limit", id)).
		WithContext("worker", string(id)).
		WithContext("restarts", restarts).
		WithContext("max_restarts", max).
		WithSuggestion(
			"The worker keeps crashing. Check its logs, fix the cause and restart the supervisor.")
}

// IsErrorCode checks if an error (or anything it wraps) has the specified error code
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code from an error, or empty string if not a SupervisorError
func GetErrorCode(err error) ErrorCode {
	var supErr *SupervisorError
	if errors.As(err, &supErr) {
		return supErr.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var supErr *SupervisorError
	if errors.As(err, &supErr) {
		return supErr.Suggestion
	}
	return ""
}
