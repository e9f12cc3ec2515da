// api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Callers classify with errors.Is.
var (
	ErrValidation        = errors.New("action descriptor failed validation")
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrTransport         = errors.New("remote session transport failure")
	ErrGateBusy          = errors.New("an approval request is already pending")
	ErrNoPendingApproval = errors.New("no approval request is pending")
	ErrBlocked           = errors.New("action blocked by safety decision")
	ErrTaskNotFound      = errors.New("task not found")
	ErrSessionStopped    = errors.New("session is stopped")
)

// ErrorCode is a string type used for structured error reporting on outcomes.
type ErrorCode string

const (
	ErrCodeTransport         ErrorCode = "TRANSPORT_ERROR"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeModelUnavailable  ErrorCode = "MODEL_UNAVAILABLE"
	ErrCodeBlocked           ErrorCode = "BLOCKED_BY_POLICY"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
)

// ValidationError describes the first schema violation found in a descriptor.
type ValidationError struct {
	Action ActionName
	Field  string
	Reason string
}

func newValidationError(action ActionName, field, reason string) *ValidationError {
	return &ValidationError{Action: action, Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Action, e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
