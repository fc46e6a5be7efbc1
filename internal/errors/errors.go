// Package errors implements the unified error taxonomy: Configuration,
// Transport, Auth, Lease, Agent, Tool, and Storage classes. Each class wraps
// an underlying cause so callers can still errors.Is/errors.As against it;
// the class itself is what callers switch on to decide retry/escalation
// policy.
package errors

import (
	"errors"
	"fmt"
)

// Class is one of the seven taxonomy buckets from the error handling design.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassTransport     Class = "transport"
	ClassAuth          Class = "auth"
	ClassLease         Class = "lease"
	ClassAgent         Class = "agent"
	ClassTool          Class = "tool"
	ClassStorage       Class = "storage"
)

// Error is a classified, wrapped error.
type Error struct {
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(class Class, format string, args ...interface{}) *Error {
	var err error
	if len(args) > 0 {
		if last, ok := args[len(args)-1].(error); ok {
			err = last
			args = args[:len(args)-1]
		}
	}
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Configuration(format string, args ...interface{}) error {
	return newf(ClassConfiguration, format, args...)
}
func Transport(format string, args ...interface{}) error { return newf(ClassTransport, format, args...) }
func Auth(format string, args ...interface{}) error      { return newf(ClassAuth, format, args...) }
func Lease(format string, args ...interface{}) error     { return newf(ClassLease, format, args...) }
func Agent(format string, args ...interface{}) error     { return newf(ClassAgent, format, args...) }
func Tool(format string, args ...interface{}) error      { return newf(ClassTool, format, args...) }
func Storage(format string, args ...interface{}) error   { return newf(ClassStorage, format, args...) }

// Is reports whether err belongs to the given class.
func Is(err error, class Class) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class == class
	}
	return false
}

// Sentinel errors for the common, specifically-named failure modes named in
// spec §4.
var (
	ErrSessionUnavailable = &Error{Class: ClassLease, Msg: "session lease held by another instance"}
	ErrCliTimeout         = &Error{Class: ClassAgent, Msg: "cli timeout"}
	ErrCliExited          = &Error{Class: ClassAgent, Msg: "cli exited"}
	ErrCliProtocol        = &Error{Class: ClassAgent, Msg: "cli protocol violation"}
	ErrOutputTooLarge     = &Error{Class: ClassTool, Msg: "output too large"}
	ErrOverloaded         = &Error{Class: ClassTool, Msg: "runtime overloaded"}
	ErrSpawnFailed        = &Error{Class: ClassTool, Msg: "spawn failed"}
	ErrSessionLimit       = &Error{Class: ClassLease, Msg: "browser session limit reached"}
)

// ToolExit reports a tool subprocess that exited with a non-zero status.
type ToolExit struct {
	Code       int
	StderrTail string
}

func (e *ToolExit) Error() string {
	return fmt.Sprintf("tool: exit code %d: %s", e.Code, e.StderrTail)
}

// NewToolExit wraps a non-zero tool exit as a classified Tool error.
func NewToolExit(code int, stderrTail string) error {
	te := &ToolExit{Code: code, StderrTail: stderrTail}
	return &Error{Class: ClassTool, Msg: "tool exited non-zero", Err: te}
}
