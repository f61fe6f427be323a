package errdefs

import (
	"errors"
	"fmt"
)

// Kind identifies an error class. The string values are the wire names used
// in HTTP responses, execution results, and logs.
type Kind string

const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindNotFound            Kind = "NotFound"
	KindDuplicateSkill      Kind = "DuplicateSkill"
	KindDuplicateTool       Kind = "DuplicateTool"
	KindSchemaError         Kind = "SchemaError"
	KindArgumentType        Kind = "ArgumentTypeError"
	KindMissingArgument     Kind = "MissingArgument"
	KindUnknownArgument     Kind = "UnknownArgument"
	KindToolExecution       Kind = "ToolExecutionError"
	KindToolTimeout         Kind = "ToolTimeout"
	KindSkillError          Kind = "SkillError"
	KindSyntax              Kind = "SyntaxError"
	KindRuntime             Kind = "RuntimeError"
	KindTimeout             Kind = "Timeout"
	KindInvalidDepSpec      Kind = "InvalidDepSpec"
	KindRuntimeDepsDisabled Kind = "RuntimeDepsDisabled"
	KindInstallFailed       Kind = "InstallFailed"
	KindAuthRequired        Kind = "AuthRequired"
	KindAuthInvalid         Kind = "AuthInvalid"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindConflict            Kind = "Conflict"
	KindCorrupt             Kind = "Corrupt"
	KindExecutorUnavailable Kind = "ExecutorUnavailable"
	KindExecutorClosed      Kind = "ExecutorClosed"
	KindTransport           Kind = "TransportError"
)

// Error is the single error type carrying a taxonomy kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can use errors.Is with a bare kind
// sentinel produced by New(kind, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or KindRuntime for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}

var allKinds = map[Kind]bool{
	KindInvalidRequest: true, KindNotFound: true, KindDuplicateSkill: true,
	KindDuplicateTool: true, KindSchemaError: true, KindArgumentType: true,
	KindMissingArgument: true, KindUnknownArgument: true, KindToolExecution: true,
	KindToolTimeout: true, KindSkillError: true, KindSyntax: true,
	KindRuntime: true, KindTimeout: true, KindInvalidDepSpec: true,
	KindRuntimeDepsDisabled: true, KindInstallFailed: true, KindAuthRequired: true,
	KindAuthInvalid: true, KindStorageUnavailable: true, KindConflict: true,
	KindCorrupt: true, KindExecutorUnavailable: true, KindExecutorClosed: true,
	KindTransport: true,
}

// Known reports whether name is a taxonomy kind.
func Known(name string) bool { return allKinds[Kind(name)] }

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
