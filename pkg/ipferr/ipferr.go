// Package ipferr classifies control-plane errors so callers can report
// already-exists, not-found and syntax failures distinctly.
package ipferr

import (
	"errors"
	"fmt"
)

// Kind is the category of a control-plane error.
type Kind int

const (
	KindUnknown Kind = iota
	KindExists
	KindNotFound
	KindSyntax
	KindExhausted
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindExists:
		return "already exists"
	case KindNotFound:
		return "not found"
	case KindSyntax:
		return "syntax error"
	case KindExhausted:
		return "exhausted"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the message.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works for every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrExists    = &Error{Kind: KindExists}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrSyntax    = &Error{Kind: KindSyntax}
	ErrExhausted = &Error{Kind: KindExhausted}
	ErrInvalid   = &Error{Kind: KindInvalid}
)

// Errorf creates an error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// KindOf returns the kind of the first *Error in err's chain. Errors of
// other types classify through their Is method against the sentinels.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUnknown && e.Underlying != nil {
			return KindOf(e.Underlying)
		}
		return e.Kind
	}
	for _, s := range []*Error{ErrExists, ErrNotFound, ErrSyntax, ErrExhausted, ErrInvalid} {
		if errors.Is(err, s) {
			return s.Kind
		}
	}
	return KindUnknown
}
