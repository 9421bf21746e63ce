package script

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a script error.
type Kind int

const (
	// KindCommandFailure is a command's own domain error (pattern mismatch,
	// comparison mismatch, missing file, non-zero exit...).
	KindCommandFailure Kind = iota
	// KindParse is malformed script syntax.
	KindParse
	// KindUsage is a command invoked with the wrong argument shape.
	KindUsage
	// KindUnknownCommand is a registry lookup miss for a command.
	KindUnknownCommand
	// KindUnknownCondition is a registry lookup miss for a condition.
	KindUnknownCondition
	// KindConditionSyntax is a prefix/suffix mismatch or a failing condition.
	KindConditionSyntax
	// KindSandbox is a path escaping the work directory.
	KindSandbox
	// KindUnexpectedSuccess is a negated directive that succeeded.
	KindUnexpectedSuccess
	// KindWait reports failed background operations.
	KindWait
	// KindSkip asks for the whole test to be recorded as skipped.
	KindSkip
)

var kindNames = map[Kind]string{
	KindCommandFailure:    "command failure",
	KindParse:             "parse error",
	KindUsage:             "usage error",
	KindUnknownCommand:    "unknown command",
	KindUnknownCondition:  "unknown condition",
	KindConditionSyntax:   "condition error",
	KindSandbox:           "sandbox violation",
	KindUnexpectedSuccess: "unexpected success",
	KindWait:              "wait error",
	KindSkip:              "skip",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// fatal reports whether errors of this kind bypass the '!' and '?' markers.
func (k Kind) fatal() bool {
	switch k {
	case KindCommandFailure, KindWait:
		return false
	}
	return true
}

var (
	// ErrUsage may be returned by a command to report invalid arguments.
	// The engine replaces it with a KindUsage error carrying the command syntax.
	ErrUsage = errors.New("invalid usage")

	// ErrSkip matches any error produced by a skip directive.
	ErrSkip = errors.New("skip")

	// ErrAlreadyWaited is returned by a WaitHandle consumed twice.
	ErrAlreadyWaited = errors.New("wait handle already consumed")
)

// Error is the structured error returned by the engine.
type Error struct {
	Kind Kind
	Msg  string
	File string
	Line int
	Cmd  string
	Args []string
	Err  error
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// asError converts err into an *Error, classifying unknown errors as
// command failures.
func asError(err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	var sbx *SandboxError
	if errors.As(err, &sbx) {
		return &Error{Kind: KindSandbox, Msg: err.Error(), Err: err}
	}
	return &Error{Kind: KindCommandFailure, Msg: err.Error(), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(":")
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, "%d:", e.Line)
	}
	if b.Len() > 0 {
		b.WriteString(" ")
	}
	if e.Cmd != "" {
		b.WriteString(e.Cmd)
		if len(e.Args) > 0 {
			b.WriteString(" ")
			b.WriteString(quoteArgs(e.Args))
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every skip error match ErrSkip.
func (e *Error) Is(target error) bool {
	return target == ErrSkip && e.Kind == KindSkip
}

func (e *Error) withLocation(file string, line int) *Error {
	e.File, e.Line = file, line
	return e
}

func (e *Error) withCommand(name string, args []string) *Error {
	e.Cmd, e.Args = name, args
	return e
}

// A SandboxError reports a path resolving outside of the work directory.
type SandboxError struct {
	Path string
	Base string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("path escapes work directory sandbox: %s (work directory: %s)", e.Path, e.Base)
}

// A ParseError reports malformed script syntax on one line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// quoteArgs joins args for display, quoting the ones that would not
// survive a round trip through the parser.
func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(arg string) string {
	if arg == "" || strings.ContainsAny(arg, "'"+argSepChars) {
		return "'" + strings.ReplaceAll(arg, "'", "''") + "'"
	}
	return arg
}
