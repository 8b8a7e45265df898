package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeModelError      ErrorType = "model_error"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeTimeout         ErrorType = "timeout"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewModelError creates an APIError for model-related errors.
func NewModelError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeModelError,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// ---------------------------------------------------------------------------
// Internal error taxonomy
// ---------------------------------------------------------------------------

// Kind classifies internal failures. Only upstream failures beyond the retry
// budget and configuration errors reach clients; the other kinds are absorbed
// by reconnect/restart policies or turned into tool result turns.
type Kind string

const (
	KindConfig         Kind = "config_error"
	KindTransport      Kind = "transport_error"
	KindToolNotFound   Kind = "tool_not_found"
	KindToolExecution  Kind = "tool_execution_error"
	KindUpstream       Kind = "upstream_provider_error"
	KindContainer      Kind = "container_error"
	KindMaxTurns       Kind = "max_turns_exceeded"
	KindInvalidRequest Kind = "invalid_request"
	KindCanceled       Kind = "canceled"
)

// Timed-out operations. A timeout keeps the Kind of the operation it belongs
// to and is told apart by Op.
const (
	OpModelCall      = "model_call"
	OpToolCall       = "tool_call"
	OpContainerStart = "container_start"
	OpRun            = "run"
)

// Error is a classified internal failure.
type Error struct {
	Kind    Kind
	Op      string
	Timeout bool
	Err     error
}

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TimeoutError builds a classified timeout for op.
func TimeoutError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Timeout: true, Err: err}
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix += " (" + e.Op + ")"
	}
	if e.Timeout {
		prefix += ": timeout"
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first classified error in err's chain, or
// the empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err is a classified timeout of the given
// operation. An empty op matches any operation.
func IsTimeout(err error, op string) bool {
	var e *Error
	if !errors.As(err, &e) || !e.Timeout {
		return false
	}
	return op == "" || e.Op == op
}

// ToAPIError converts any error into the structured client-facing envelope.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	var e *Error
	if !errors.As(err, &e) {
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return NewServerError(err.Error())
	}

	if e.Timeout {
		return &APIError{
			Type:    ErrorTypeTimeout,
			Code:    e.Op + "_timeout",
			Message: e.Error(),
		}
	}

	switch e.Kind {
	case KindInvalidRequest:
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return NewInvalidRequestError("", e.Error())
	case KindUpstream:
		if errors.As(err, &apiErr) {
			return &APIError{Type: apiErr.Type, Code: string(KindUpstream), Param: apiErr.Param, Message: apiErr.Message}
		}
		return &APIError{Type: ErrorTypeModelError, Code: string(KindUpstream), Message: e.Error()}
	default:
		return &APIError{Type: ErrorTypeServerError, Code: string(e.Kind), Message: e.Error()}
	}
}
