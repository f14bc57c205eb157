package models

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers. Internal stack traces are never streamed.
const (
	CodeValidation        = "validation_error"
	CodeTransientProvider = "transient_provider_error"
	CodeFatalProvider     = "fatal_provider_error"
	CodeSafetyRejection   = "safety_rejection"
	CodeSynthesisFailure  = "synthesis_failure"
	CodeCancelled         = "cancelled"
	CodeBudgetExhausted   = "budget_exhausted"
)

// ToolError is the uniform failure type returned by adapter calls.
type ToolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTransientError builds a retryable provider error (network/5xx/timeout).
func NewTransientError(format string, args ...interface{}) *ToolError {
	return &ToolError{Code: CodeTransientProvider, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewFatalError builds a non-retryable provider error (auth/quota).
func NewFatalError(format string, args ...interface{}) *ToolError {
	return &ToolError{Code: CodeFatalProvider, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// ValidationError reports a structurally invalid request. Never retried and
// never creates a Task.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// IsRetryable reports whether err should be retried by the resilience layer.
func IsRetryable(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	// Unknown errors are treated as transient so a single hiccup degrades
	// the iteration instead of the task.
	return true
}

// IsFatalProvider reports whether err should disable its source type for
// the remainder of the task.
func IsFatalProvider(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Code == CodeFatalProvider
}
