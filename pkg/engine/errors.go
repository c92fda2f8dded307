package engine

import (
	"errors"
	"fmt"
)

// ErrorClass places an error in the engine's failure taxonomy.
type ErrorClass string

const (
	// ErrorClassPlugin is an error raised by a single classifier or action.
	// It is isolated and never propagated.
	ErrorClassPlugin ErrorClass = "plugin"

	// ErrorClassProvider is a failed fetch for one domain. The domain is skipped
	// for the current poll cycle.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassLifecycle is a failure while starting the engine. It is the only
	// class returned to the caller.
	ErrorClassLifecycle ErrorClass = "lifecycle"

	// ErrorClassPipeline is anything unexpected escaping one entity's pipeline.
	ErrorClassPipeline ErrorClass = "pipeline"
)

// Sentinel errors for domain registration.
var (
	ErrDomainExists   = errors.New("domain already registered")
	ErrDomainNotFound = errors.New("domain not found")
)

// EngineError represents a classified error with context.
// nolint:revive // stutters with the package name
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Domain is the domain the error is scoped to, if any.
	Domain string `json:"domain,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Domain != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (domain=%s, operation=%s)", msg, e.Domain, e.Operation)
	} else if e.Domain != "" {
		msg = fmt.Sprintf("%s (domain=%s)", msg, e.Domain)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewPluginError creates a new plugin error.
func NewPluginError(message string, err error) *EngineError {
	return newError(ErrorClassPlugin, message, err)
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, err error) *EngineError {
	return newError(ErrorClassProvider, message, err)
}

// NewLifecycleError creates a new lifecycle error.
func NewLifecycleError(message string, err error) *EngineError {
	return newError(ErrorClassLifecycle, message, err)
}

// NewPipelineError creates a new pipeline error.
func NewPipelineError(message string, err error) *EngineError {
	return newError(ErrorClassPipeline, message, err)
}

// WithDomain adds domain context to an error.
func (e *EngineError) WithDomain(domainID string) *EngineError {
	e.Domain = domainID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsPlugin returns true if the error is classified as a plugin error.
func IsPlugin(err error) bool { return hasClass(err, ErrorClassPlugin) }

// IsProvider returns true if the error is classified as a provider error.
func IsProvider(err error) bool { return hasClass(err, ErrorClassProvider) }

// IsLifecycle returns true if the error is classified as a lifecycle error.
func IsLifecycle(err error) bool { return hasClass(err, ErrorClassLifecycle) }

// IsPipeline returns true if the error is classified as a pipeline error.
func IsPipeline(err error) bool { return hasClass(err, ErrorClassPipeline) }

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeProviderInitFailed = "PROVIDER_INIT_FAILED"
	ErrCodeProviderFetch      = "PROVIDER_FETCH_FAILED"
	ErrCodeClassifierFailed   = "CLASSIFIER_FAILED"
	ErrCodeActionFailed       = "ACTION_FAILED"
	ErrCodePanic              = "PANIC"
	ErrCodeCanceled           = "CANCELED"
	ErrCodeInvalidState       = "INVALID_STATE"
)
