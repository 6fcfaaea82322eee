// Package orcherr defines the error kinds the orchestrator distinguishes
// between when deciding how to report a failure to the caller.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind int

const (
	// KindConfig covers malformed or invalid environment documents.
	KindConfig Kind = iota
	// KindDaemon covers failures talking to a ship's Docker daemon.
	KindDaemon
	// KindImage covers failures resolving, pulling or authenticating images.
	KindImage
	// KindLifecycleTimeout covers a lifecycle check that never passed.
	KindLifecycleTimeout
	// KindState covers a container found in an unexpected or inconsistent state.
	KindState
	// KindCancelled covers a play aborted by context cancellation or a sibling failure.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindDaemon:
		return "DaemonError"
	case KindImage:
		return "ImageError"
	case KindLifecycleTimeout:
		return "LifecycleTimeout"
	case KindState:
		return "StateError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "UnknownError"
	}
}

// Error is a typed orchestration error. Wrap with fmt.Errorf("...: %w", err)
// to add context while keeping errors.As(..., *orcherr.Error) working.
type Error struct {
	Kind    Kind
	Subject string // ship, service or container name this error concerns
	Err     error
}

func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Newf builds an *Error of the given kind from a format string.
func Newf(kind Kind, subject, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var oe *Error
	for errors.As(err, &oe) {
		if oe.Kind == kind {
			return true
		}
		err = oe.Err
		if err == nil {
			return false
		}
	}
	return false
}
