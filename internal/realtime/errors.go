package realtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures
type ErrorKind string

const (
	// KindTransport: the channel failed to open or dropped.
	KindTransport ErrorKind = "transport"
	// KindProtocol: an inbound message could not be decoded. Never terminal.
	KindProtocol ErrorKind = "protocol"
	// KindUpstream: the recognition server reported an error.
	KindUpstream ErrorKind = "upstream"
	// KindTimeout: a start or stop watchdog expired.
	KindTimeout ErrorKind = "timeout"
)

var (
	// ErrSessionClosed is returned by Start on a stopped or failed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrStopped resolves a pending Start that was abandoned by Stop.
	ErrStopped = errors.New("session stopped before ready")
)

// Error is a classified session failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("realtime %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a realtime Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
