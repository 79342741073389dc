package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Machine errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a machine error. Every error raised by the executor
// carries one of these kinds; the fault path uses the kind when building the
// structured exception value.
type ErrorKind int

const (
	ErrEmulation ErrorKind = iota
	ErrRuntime
	ErrInvalidInstruction
	ErrInvalidAddress
	ErrInvalidJumpTarget
	ErrTypeMismatch
	ErrUndefinedVariable
	ErrUndefinedSubroutine
	ErrUndefinedFunction
	ErrValue
	ErrStackUnderflow
	ErrStackOverflow
	ErrDivisionByZero
	ErrIndexOutOfBounds
	ErrConversion
	ErrEncoding
	ErrMailboxOverflow
	ErrDeadlock
	ErrUnhandled
)

var errorKindNames = map[ErrorKind]string{
	ErrEmulation:           "EmulationError",
	ErrRuntime:             "RuntimeError",
	ErrInvalidInstruction:  "InvalidInstruction",
	ErrInvalidAddress:      "InvalidAddress",
	ErrInvalidJumpTarget:   "InvalidJumpTarget",
	ErrTypeMismatch:        "TypeMismatch",
	ErrUndefinedVariable:   "UndefinedVariable",
	ErrUndefinedSubroutine: "UndefinedSubroutine",
	ErrUndefinedFunction:   "UndefinedFunction",
	ErrValue:               "ValueError",
	ErrStackUnderflow:      "StackUnderflow",
	ErrStackOverflow:       "StackOverflow",
	ErrDivisionByZero:      "DivisionByZero",
	ErrIndexOutOfBounds:    "IndexOutOfBounds",
	ErrConversion:          "ConversionError",
	ErrEncoding:            "EncodingError",
	ErrMailboxOverflow:     "MailboxOverflow",
	ErrDeadlock:            "Deadlock",
	ErrUnhandled:           "UnhandledError",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// MachineError is the error type raised by opcode dispatch. The executor
// panics with a *MachineError and recovers it at the Execute boundary, so
// deeply nested opcode helpers can abort without threading error returns.
type MachineError struct {
	Kind    ErrorKind
	Message string
}

func (e *MachineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports kind equality so errors.Is(err, &MachineError{Kind: k}) works.
func (e *MachineError) Is(target error) bool {
	var me *MachineError
	if errors.As(target, &me) {
		return e.Kind == me.Kind
	}
	return false
}

// Errf builds a MachineError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *MachineError {
	return &MachineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// raise aborts the current opcode with a machine error. Recovered in
// Executor.Execute and routed through the process's exception machinery.
func raise(kind ErrorKind, format string, args ...any) {
	panic(Errf(kind, format, args...))
}
