package session

import "errors"

var (
	// ErrSessionClosed is returned by operations on a session that is no longer open.
	ErrSessionClosed = errors.New("session closed")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrDuplicateID is returned when registering an id that is already present.
	ErrDuplicateID = errors.New("duplicate session id")
)

// TransportError reports a failed read or write on the underlying
// connection. The session is always closed by the time it is returned.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
