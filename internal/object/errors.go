package object

import (
	"errors"
	"fmt"
	"rash/internal/token"
	"strings"
)

type ErrorKind string

const (
	UnboundVariable     ErrorKind = "UnboundVariable"
	TypeMismatch        ErrorKind = "TypeMismatch"
	ArityMismatch       ErrorKind = "ArityMismatch"
	UndefinedKey        ErrorKind = "UndefinedKey"
	UnknownHostFunction ErrorKind = "UnknownHostFunction"
	StackOverflow       ErrorKind = "StackOverflow"
	HostCapabilityError ErrorKind = "HostCapabilityError"
	DivisionByZero      ErrorKind = "DivisionByZero"
)

// StackFrame is one function activation an error travelled through, innermost first.
type StackFrame struct {
	Function string
	Position token.Position
}

// Error is the evaluation error. It is returned as a Go error through blocks and call frames;
// each function boundary it crosses appends a StackFrame.
type Error struct {
	Kind    ErrorKind
	Message string
	Pos     token.Position
	Stack   []StackFrame
	Cause   error // host failure behind a HostCapabilityError
}

func NewError(kind ErrorKind, pos token.Position, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Pos: pos, Message: fmt.Sprintf(format, a...)}
}

// WrapHostError turns a failure reported by a host capability into a HostCapabilityError.
// Evaluation errors raised by the capability itself pass through unchanged.
func WrapHostError(pos token.Position, capability string, cause error) *Error {
	var evalErr *Error
	if errors.As(cause, &evalErr) {
		return evalErr.At(pos)
	}
	return &Error{
		Kind:    HostCapabilityError,
		Pos:     pos,
		Message: fmt.Sprintf("%s failed: %v", capability, cause),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Pos, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// At sets the position if the error does not carry one yet.
func (e *Error) At(pos token.Position) *Error {
	if !e.Pos.IsValid() {
		e.Pos = pos
	}
	return e
}

// AddFrame records that the error left the named function, called from pos.
func (e *Error) AddFrame(function string, pos token.Position) *Error {
	e.Stack = append(e.Stack, StackFrame{Function: function, Position: pos})
	return e
}

// StackTrace renders the frames one per line.
func (e *Error) StackTrace() string {
	var buf strings.Builder
	for _, frame := range e.Stack {
		fmt.Fprintf(&buf, "\n  at [%s] %s", frame.Position, frame.Function)
	}
	return buf.String()
}

// KindOf extracts the evaluation error kind from err, if err is or wraps an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var evalErr *Error
	if errors.As(err, &evalErr) {
		return evalErr.Kind, true
	}
	return "", false
}
