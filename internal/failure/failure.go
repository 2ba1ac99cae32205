// Package failure tags errors with the category a task failure is reported
// under. Callers wrap with New/Wrap at the point where the category is known
// and read it back with KindOf anywhere up the stack.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error for task reporting and API status mapping.
type Kind string

const (
	// KindNotFound marks a required artifact or record that does not exist.
	KindNotFound Kind = "not_found"
	// KindTransport marks a network failure or non-2xx response from a remote.
	KindTransport Kind = "transport"
	// KindValidation marks malformed input such as a bad definition document.
	KindValidation Kind = "validation"
	// KindRetryExhausted marks a poll that never reached a terminal state.
	KindRetryExhausted Kind = "retry_exhausted"
	// KindExternalFailure marks a remote system reporting its own failure.
	KindExternalFailure Kind = "external_failure"
	// KindInternal is the fallback for untagged errors.
	KindInternal Kind = "internal"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns a tagged error with a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf is New with formatting. %w verbs are honored.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind and an operation label. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost Kind in err's chain, or KindInternal when
// nothing in the chain is tagged.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Kind != "" {
		return tagged.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
