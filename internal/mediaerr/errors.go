// Package mediaerr defines the error kinds shared by the derivation engines,
// the artifact cache and the namespace layer.
//
// Every error crossing an engine boundary wraps exactly one kind, so callers
// branch with errors.Is(err, mediaerr.ErrNotFound) and still see the cause.
package mediaerr

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrNotFound means the source file or namespace does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnreadable means a codec or OCR engine could not parse the source.
	ErrUnreadable = errors.New("unreadable")
	// ErrAccessDenied means the source exists but cannot be read.
	ErrAccessDenied = errors.New("access denied")
	// ErrComputationFailed is a generic, retryable derivation failure.
	ErrComputationFailed = errors.New("computation failed")
	// ErrWatchUnavailable means a namespace root could not be watched.
	ErrWatchUnavailable = errors.New("watch unavailable")
)

// Error carries the kind together with the operation and path that failed.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with the given kind.
func New(kind error, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// FromOS translates filesystem errors into NotFound / AccessDenied.
// Anything else becomes ComputationFailed.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return New(ErrNotFound, op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return New(ErrAccessDenied, op, path, err)
	default:
		return New(ErrComputationFailed, op, path, err)
	}
}

// Unreadable wraps a codec or recognizer failure.
func Unreadable(op, path string, err error) error {
	return New(ErrUnreadable, op, path, err)
}

// Failed wraps a generic computation failure unless err already carries a kind.
func Failed(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return New(ErrComputationFailed, op, path, err)
}

// KindOf returns the kind wrapped by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrNotFound, ErrUnreadable, ErrAccessDenied, ErrComputationFailed, ErrWatchUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
