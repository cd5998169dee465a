package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeSyntax      = "SYNTAX_ERROR"
	ErrCodeEvaluation  = "EVALUATION_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeExecution   = "EXECUTION_ERROR"
	ErrCodeProcessExit = "PROCESS_EXIT"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeRecovery    = "RECOVERY_FAILED"
	ErrCodePreset      = "PRESET_ERROR"
)

// errorKinds maps error codes to the short kind strings exposed to
// recovery pipelines as error.type.
var errorKinds = map[string]string{
	ErrCodeSyntax:      "syntax",
	ErrCodeEvaluation:  "evaluation",
	ErrCodeConfig:      "config",
	ErrCodeExecution:   "execution",
	ErrCodeProcessExit: "process_exit",
	ErrCodeTimeout:     "timeout",
	ErrCodeCancelled:   "cancelled",
	ErrCodeRecovery:    "recovery",
	ErrCodePreset:      "preset",
}

// Error is the structured error type for all runcard operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the short kind string for the error's code, e.g.
// "process_exit" for PROCESS_EXIT. Unknown codes map to "error".
func (e *Error) Kind() string {
	if k, ok := errorKinds[e.Code]; ok {
		return k
	}
	return "error"
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// AsError coerces any error into a *Error. Errors produced outside the
// engine are wrapped under the given fallback code.
func AsError(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*Error); ok {
		return se
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// FailureContext is the structured description of a failure exposed to
// recovery pipelines and callers: the failing step, the error kind,
// and a human-readable message.
type FailureContext struct {
	StepID  string `json:"step_id"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ContextFor builds a FailureContext from an error.
func ContextFor(err error) FailureContext {
	se := AsError(err, ErrCodeExecution)
	return FailureContext{
		StepID:  se.StepID,
		Type:    se.Kind(),
		Message: se.Message,
	}
}

// Map returns the context as a scope-ready map.
func (c FailureContext) Map() map[string]any {
	return map[string]any{
		"step_id": c.StepID,
		"type":    c.Type,
		"message": c.Message,
	}
}

// RecoveryError is raised when an action's recovery pipeline itself
// fails. It exposes both the primary failure and the recovery failure
// so neither is silently dropped.
type RecoveryError struct {
	Primary  FailureContext
	Recovery FailureContext
	Cause    error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("[%s] step %s failed (%s: %s); recovery step %s also failed (%s: %s)",
		ErrCodeRecovery,
		e.Primary.StepID, e.Primary.Type, e.Primary.Message,
		e.Recovery.StepID, e.Recovery.Type, e.Recovery.Message)
}

func (e *RecoveryError) Unwrap() error {
	return e.Cause
}
