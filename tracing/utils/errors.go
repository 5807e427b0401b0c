package utils

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// Trace data errors
	ErrorTypeMalformedTrace ErrorType = "malformed_trace"
	ErrorTypeRetrieval      ErrorType = "retrieval"

	// Rule errors
	ErrorTypeParsing        ErrorType = "parsing"
	ErrorTypeEvaluation     ErrorType = "evaluation"
	ErrorTypeUnknownVariant ErrorType = "unknown_variant"

	// Setup and output errors
	ErrorTypeConfig  ErrorType = "config"
	ErrorTypeStorage ErrorType = "storage"
)

// TraceError represents an error raised while acquiring or analyzing a trace,
// enriched with the step and transaction it happened at.
type TraceError struct {
	Type        ErrorType
	Message     string
	OriginalErr error
	Context     map[string]interface{}
}

// Error implements the error interface
func (e *TraceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *TraceError) Unwrap() error {
	return e.OriginalErr
}

// Is reports whether target is a TraceError of the same type.
func (e *TraceError) Is(target error) bool {
	var targetErr *TraceError
	if errors.As(target, &targetErr) {
		return e.Type == targetErr.Type
	}
	return false
}

// AddContext adds contextual information to the error
func (e *TraceError) AddContext(key string, value interface{}) *TraceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new TraceError
func NewError(errType ErrorType, message string) *TraceError {
	return &TraceError{
		Type:    errType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with TraceError
func WrapError(errType ErrorType, message string, originalErr error) *TraceError {
	return &TraceError{
		Type:        errType,
		Message:     message,
		OriginalErr: originalErr,
		Context:     make(map[string]interface{}),
	}
}

// NewEvaluationError wraps a failure raised while evaluating a rule at a step.
func NewEvaluationError(rule string, step uint64, originalErr error) *TraceError {
	return WrapError(ErrorTypeEvaluation, fmt.Sprintf("evaluating rule %q", rule), originalErr).
		AddContext("step", step)
}

// NewRetrievalError wraps a failure to obtain a transaction or its trace.
func NewRetrievalError(txHash string, originalErr error) *TraceError {
	return WrapError(ErrorTypeRetrieval, "retrieving trace", originalErr).
		AddContext("transaction", txHash)
}

// NewParsingError wraps a rule-file parse failure.
func NewParsingError(message string, originalErr error) *TraceError {
	return WrapError(ErrorTypeParsing, message, originalErr)
}

// NewConfigError creates a configuration-related error
func NewConfigError(message string, field string) *TraceError {
	return NewError(ErrorTypeConfig, message).
		AddContext("field", field)
}

// IsType reports whether err wraps a TraceError of the given type.
func IsType(err error, errType ErrorType) bool {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Type == errType
	}
	return false
}
