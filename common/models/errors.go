package models

import "fmt"

// ErrorKind classifies workflow errors by their source
type ErrorKind string

const (
	ErrKindSchemaViolation ErrorKind = "schema_violation"
	ErrKindInvalidPath     ErrorKind = "invalid_path"
	ErrKindDefinition      ErrorKind = "definition_error"
	ErrKindTask            ErrorKind = "task_error"
	ErrKindSynchronization ErrorKind = "synchronization_error"
	ErrKindTransport       ErrorKind = "transport_error"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindCancelled       ErrorKind = "cancelled"
	ErrKindInternal        ErrorKind = "internal"
)

// WorkflowError is the structured error attached to failed tokens and runs.
// Kind drives propagation policy; Retryable only applies to task and
// transport errors.
type WorkflowError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	Code         string    `json:"code,omitempty"`
	Retryable    bool      `json:"retryable,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	NodeRef      string    `json:"node_ref,omitempty"`
	AttemptsUsed int       `json:"retryable_attempts_used,omitempty"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewSchemaViolation creates a schema violation error
func NewSchemaViolation(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindSchemaViolation, Message: msg}
}

// NewInvalidPath creates an invalid path error
func NewInvalidPath(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindInvalidPath, Message: msg}
}

// NewDefinitionError creates a definition error
func NewDefinitionError(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindDefinition, Message: msg}
}

// NewTaskError creates a task error carrying the executor's typed failure
func NewTaskError(code, msg string, retryable bool) *WorkflowError {
	return &WorkflowError{Kind: ErrKindTask, Code: code, Message: msg, Retryable: retryable}
}

// NewTransportError creates a transport error (retryable by default)
func NewTransportError(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindTransport, Message: msg, Retryable: true}
}

// NewTimeoutError creates a timeout error (retryable by default)
func NewTimeoutError(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindTimeout, Message: msg, Retryable: true}
}

// NewSyncError creates a synchronization error
func NewSyncError(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindSynchronization, Message: msg}
}

// NewInternalError creates an internal invariant error
func NewInternalError(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindInternal, Message: msg}
}

// NewCancelledError creates a cancellation error
func NewCancelledError(msg string) *WorkflowError {
	return &WorkflowError{Kind: ErrKindCancelled, Message: msg}
}

// AsWorkflowError converts any error into a WorkflowError, wrapping unknown
// errors as internal
func AsWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	if werr, ok := err.(*WorkflowError); ok {
		return werr
	}
	return NewInternalError(err.Error())
}
