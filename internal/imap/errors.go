package imap

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds returned by Client. Errors from the protocol library never
// escape this package; they are recorded as text in OpError.Detail.
var (
	// ErrAuthFailed means no authentication strategy was accepted.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrConnection means the server could not be reached or dropped the connection.
	ErrConnection = errors.New("mail server connection failed")
	// ErrFolderUnusable means a folder could not be opened or created.
	ErrFolderUnusable = errors.New("folder unusable")
	// ErrMessageNotFound is the normal outcome of a lookup that scanned the
	// whole folder without a match.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMalformedMessage means a message could not be mapped to an Email.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrProtocol covers any other command the server rejected.
	ErrProtocol = errors.New("mail protocol error")
)

// OpError describes a failed Client operation.
type OpError struct {
	Op     string
	Folder string
	Kind   error
	Detail string

	ctxErr error
}

func (e *OpError) Error() string {
	msg := "imap " + e.Op
	if e.Folder != "" {
		msg += " " + e.Folder
	}
	msg += ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes the error kind and, when the operation was abandoned, the
// context error.
func (e *OpError) Unwrap() []error {
	if e.ctxErr != nil {
		return []error{e.Kind, e.ctxErr}
	}
	return []error{e.Kind}
}

// newOpError translates cause into an OpError of the given kind. When the
// context is done, the context error is attached and the kind becomes
// ErrConnection unless it is already more specific.
func newOpError(ctx context.Context, op, folder string, kind, cause error) error {
	var existing *OpError
	if errors.As(cause, &existing) {
		return existing
	}

	e := &OpError{Op: op, Folder: folder, Kind: kind}
	if cause != nil {
		e.Detail = cause.Error()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.ctxErr = ctxErr
		if kind == ErrProtocol {
			e.Kind = ErrConnection
		}
	}
	return e
}

// IsAuthFailed reports whether err is an authentication failure.
func IsAuthFailed(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsNotFound reports whether err is a message lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

// IsUnavailable reports whether err means the mailbox could not be reached
// with the given credentials. Read paths degrade to empty results on these.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrConnection)
}

func malformed(reason string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(reason, args...))
}
