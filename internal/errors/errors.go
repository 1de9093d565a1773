// Package errors defines the stable error codes surfaced by the orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error code string.
type Code string

const (
	EInvalidWorkflowType    Code = "E_INVALID_WORKFLOW_TYPE"
	EInvalidPhase           Code = "E_INVALID_PHASE"
	EInvalidArgument        Code = "E_INVALID_ARGUMENT"
	ERunNotFound            Code = "E_RUN_NOT_FOUND"
	EInvalidRetryState      Code = "E_INVALID_RETRY_STATE"
	EInvalidStateTransition Code = "E_INVALID_STATE_TRANSITION"
	EDuplicateRunInProgress Code = "E_DUPLICATE_RUN_IN_PROGRESS"
	EPersistFailed          Code = "E_PERSIST_FAILED"
	EInternal               Code = "E_INTERNAL"
)

// ADWError is the standard error type for orchestrator failures.
type ADWError struct {
	Code    Code
	Msg     string
	Cause   error
	Details map[string]string // optional structured context
}

// Error returns the stable error format: "CODE: message".
func (e *ADWError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ADWError) Unwrap() error {
	return e.Cause
}

// Is matches another *ADWError by code, so sentinel comparisons work.
func (e *ADWError) Is(target error) bool {
	var t *ADWError
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Msg == ""
	}
	return false
}

// New creates a new ADWError with the given code and message.
func New(code Code, msg string) error {
	return &ADWError{Code: code, Msg: msg}
}

// NewWithDetails creates a new ADWError with code, message, and details.
func NewWithDetails(code Code, msg string, details map[string]string) error {
	return &ADWError{Code: code, Msg: msg, Details: copyDetails(details)}
}

// Wrap creates a new ADWError wrapping an underlying error.
func Wrap(code Code, msg string, err error) error {
	return &ADWError{Code: code, Msg: msg, Cause: err}
}

// Sentinel returns a code-only error usable as an errors.Is target.
func Sentinel(code Code) error {
	return &ADWError{Code: code}
}

// GetCode extracts the error code from an error, or empty string if not an ADWError.
func GetCode(err error) Code {
	var ae *ADWError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// AsADWError returns (*ADWError, true) if err is or wraps an ADWError.
func AsADWError(err error) (*ADWError, bool) {
	var ae *ADWError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatus maps a code to the status returned by the API layer.
func HTTPStatus(code Code) int {
	switch code {
	case ERunNotFound:
		return http.StatusNotFound
	case EDuplicateRunInProgress, EInvalidRetryState, EInvalidStateTransition:
		return http.StatusConflict
	case EInvalidWorkflowType, EInvalidPhase, EInvalidArgument:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func copyDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	cp := make(map[string]string, len(details))
	for k, v := range details {
		cp[k] = v
	}
	return cp
}
