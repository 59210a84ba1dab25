package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------
//
// Three classes of failure leave the dispatch loop:
//
//   - CorruptModuleError: the compiler's invariants were violated (bad
//     opcode, out-of-range register). Raised via panic inside the loop and
//     recovered at the process boundary. Never retried, never handled by
//     in-language code.
//   - RuntimeError: recoverable runtime failures (type mismatch, division
//     by zero, undefined cell). These propagate like effect failures: a
//     matching handler may intercept them, otherwise they become the
//     process's failure result with a stack trace attached.
//   - UnhandledEffectError / DoubleResumeError: effect-subsystem failures,
//     each reported as its own class so callers can tell "never handled"
//     apart from "misused continuation".

// ErrCode classifies recoverable runtime errors.
type ErrCode string

const (
	ErrType          ErrCode = "type_error"
	ErrDivideByZero  ErrCode = "division_by_zero"
	ErrOverflow      ErrCode = "arithmetic_overflow"
	ErrUndefinedCell ErrCode = "undefined_cell"
	ErrBounds        ErrCode = "index_out_of_bounds"
	ErrStackOverflow ErrCode = "stack_overflow"
	ErrHalt          ErrCode = "halt"
	ErrTool          ErrCode = "tool_error"
	ErrGuard         ErrCode = "guard_violation"
	ErrCancelled     ErrCode = "cancelled"
)

// CorruptModuleError reports a fatal internal-invariant violation in the
// loaded bytecode. Compiler-emitted code is assumed valid, so this is
// never tolerated or recovered into ordinary control flow.
type CorruptModuleError struct {
	Detail string
}

func (e *CorruptModuleError) Error() string {
	return "corrupt module: " + e.Detail
}

// corrupt builds the panic payload for internal-invariant violations.
func corrupt(detail string) *CorruptModuleError {
	return &CorruptModuleError{Detail: detail}
}

// Frame is one entry of a captured stack trace.
type Frame struct {
	Cell string
	IP   int
}

// RuntimeError is a recoverable runtime failure with an optional stack
// trace captured at the raise site.
type RuntimeError struct {
	Code    ErrCode
	Message string
	Frames  []Frame
}

func (e *RuntimeError) Error() string {
	if len(e.Frames) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Code, e.Message)
	sb.WriteString("\nstack trace (most recent call last):")
	for i := len(e.Frames) - 1; i >= 0; i-- {
		f := e.Frames[i]
		fmt.Fprintf(&sb, "\n  #%d: %s (instruction %d)", len(e.Frames)-1-i, f.Cell, f.IP)
	}
	return sb.String()
}

// Is matches RuntimeErrors by code so errors.Is works against sentinels.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	return ok && t.Code == e.Code
}

func runtimeErr(code ErrCode, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UnhandledEffectError reports a perform with no matching handler in any
// enclosing scope. This is distinct from a handler that matched but
// declined to resume, which is ordinary control flow.
type UnhandledEffectError struct {
	Effect string
	Op     string
	Frames []Frame
}

func (e *UnhandledEffectError) Error() string {
	return fmt.Sprintf("unhandled effect: %s.%s", e.Effect, e.Op)
}

// DoubleResumeError reports a second resume of a one-shot continuation.
type DoubleResumeError struct {
	Effect string
	Op     string
}

func (e *DoubleResumeError) Error() string {
	return fmt.Sprintf("continuation for %s.%s already resumed", e.Effect, e.Op)
}

// ToolFailure is the structured failure returned across the tool dispatch
// boundary. It converts into a RuntimeError when it re-enters the VM.
type ToolFailure struct {
	Tool    string
	Code    string
	Message string
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("tool %s failed (%s): %s", e.Tool, e.Code, e.Message)
}
