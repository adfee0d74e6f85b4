package engine

import "fmt"

// Code is one of the error kinds enumerated in spec §4.D.7 / §7.
type Code string

const (
	CodeNotAttached      Code = "not_attached"
	CodeAlreadyAttached  Code = "already_attached"
	CodeNotManaged       Code = "not_managed"
	CodeProcessNotFound  Code = "process_not_found"
	CodeNotStopped       Code = "not_stopped"
	CodeInvalidThread    Code = "invalid_thread"
	CodeInvalidFrame     Code = "invalid_frame"
	CodeInvalidBreakpoint Code = "invalid_breakpoint"
	CodeProcessExited    Code = "process_exited"
	CodeEvaluationFailed Code = "evaluation_failed"
	CodeTimeout          Code = "timeout"
	CodeTargetRuntime    Code = "target_runtime_error"
)

// Subcode further classifies CodeEvaluationFailed (spec §7).
type Subcode string

const (
	SubEvalTimeout        Subcode = "eval_timeout"
	SubEvalException      Subcode = "eval_exception"
	SubSyntaxError        Subcode = "syntax_error"
	SubVariableUnavailable Subcode = "variable_unavailable"
)

// Error is the structured error every engine operation returns on failure.
// The Tool Surface maps it directly onto the {error:true, code, message,
// details} envelope of spec §7.
type Error struct {
	Code    Code
	Sub     Subcode
	Message string
	// HRESULT carries the native error verbatim for target_runtime_error
	// (spec §7 "carries the native HRESULT verbatim for diagnosis").
	HRESULT int32
}

func (e *Error) Error() string {
	if e.Sub != "" {
		return fmt.Sprintf("%s/%s: %s", e.Code, e.Sub, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func evalErr(sub Subcode, format string, args ...interface{}) *Error {
	return &Error{Code: CodeEvaluationFailed, Sub: sub, Message: fmt.Sprintf(format, args...)}
}
