// Package errors provides a lightweight structured error type (MasterError)
// for category-based classification and retry semantics across the daemon,
// bus adapters and CLI.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of a buildmaster error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// External system integration errors
	CategoryBus  ErrorCategory = "bus"
	CategoryData ErrorCategory = "data"
	CategoryGit  ErrorCategory = "git"

	// Runtime and infrastructure errors
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// MasterError is a structured error with category, retryability, and context
type MasterError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for MasterError
type ContextFields map[string]any

// Error implements the error interface
func (e *MasterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *MasterError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *MasterError) WithContext(key string, value any) *MasterError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying cause
func (e *MasterError) WithCause(cause error) *MasterError {
	e.Cause = cause
	return e
}

// New creates a new MasterError
func New(category ErrorCategory, severity ErrorSeverity, message string) *MasterError {
	return &MasterError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new MasterError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *MasterError {
	return &MasterError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// WrapRetryable creates a new retryable MasterError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *MasterError {
	return &MasterError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if me, ok := err.(*MasterError); ok {
		return me.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if me, ok := err.(*MasterError); ok {
		return me.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a MasterError
func GetCategory(err error) ErrorCategory {
	if me, ok := err.(*MasterError); ok {
		return me.Category
	}
	return CategoryInternal
}
