package domain

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures surfaced through the error callback.
type ErrorKind string

const (
	ErrorKindConfig      ErrorKind = "config"
	ErrorKindConnect     ErrorKind = "connect"
	ErrorKindCapture     ErrorKind = "capture"
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindInjection   ErrorKind = "injection"
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindEmptyResult ErrorKind = "empty_result"
	ErrorKindUnknown     ErrorKind = "unknown"
)

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with kind. Op names the failing operation and may be empty.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a plain message.
func Errorf(kind ErrorKind, op string, message string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(message)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	return ErrorKindUnknown
}

// Retryable reports whether a failure of this kind may succeed on the next press.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindAuth, ErrorKindConfig:
		return false
	default:
		return true
	}
}

func trimSpace(s string) string { return strings.TrimSpace(s) }
