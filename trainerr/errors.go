// Package trainerr classifies the failures a training run can abort with.
package trainerr

import (
	"github.com/pkg/errors"
)

// Kind identifies a failure class.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	Filesystem
	Parse
	Device
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case Filesystem:
		return "filesystem error"
	case Parse:
		return "parse error"
	case Device:
		return "device error"
	default:
		return "error"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause supports errors.Cause from github.com/pkg/errors.
func (e *Error) Cause() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err and annotates it. It returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
