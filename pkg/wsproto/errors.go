package wsproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeErrorKind distinguishes recoverable from fatal decode failures
type DecodeErrorKind int

const (
	// Truncated means not enough bytes are buffered yet; wait for more
	Truncated DecodeErrorKind = iota + 1
	// Malformed means the stream is corrupt and the session must be terminated
	Malformed
)

var (
	// ErrTruncated matches any DecodeError of kind Truncated with errors.Is
	ErrTruncated = &DecodeError{Kind: Truncated}

	// ErrMalformed matches any DecodeError of kind Malformed with errors.Is
	ErrMalformed = &DecodeError{Kind: Malformed}
)

// DecodeError is returned by the frame codec
type DecodeError struct {
	Kind DecodeErrorKind
	Msg  string
}

func (e *DecodeError) Error() string {
	k := "truncated"
	if e.Kind == Malformed {
		k = "malformed"
	}
	if e.Msg == "" {
		return "wsproto: " + k + " frame"
	}
	return "wsproto: " + k + " frame: " + e.Msg
}

// Is matches DecodeErrors by kind
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

func truncated(f string, args ...interface{}) error {
	return &DecodeError{Kind: Truncated, Msg: fmt.Sprintf(f, args...)}
}

func malformed(f string, args ...interface{}) error {
	return &DecodeError{Kind: Malformed, Msg: fmt.Sprintf(f, args...)}
}

// ErrorKind names the failure reported for a single logical connection
type ErrorKind string

const (
	// ErrorRefused means the upstream refused the connection
	ErrorRefused ErrorKind = "Refused"
	// ErrorTimeout means an operation did not complete in time
	ErrorTimeout ErrorKind = "Timeout"
	// ErrorResolutionFailed means the target host name could not be resolved
	ErrorResolutionFailed ErrorKind = "ResolutionFailed"
	// ErrorProtocolViolation means a peer sent something the protocol does not allow
	ErrorProtocolViolation ErrorKind = "ProtocolViolation"
	// ErrorClosed means the connection was closed or cancelled
	ErrorClosed ErrorKind = "Closed"
)

// ConnectionError is scoped to one logical connection. It travels as the payload of an ERROR
// frame and is surfaced unchanged to client callers.
type ConnectionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`

	// Fatal errors move the connection to Failed; otherwise only the current request fails
	Fatal bool `json:"fatal"`
}

// NewConnectionError creates a fatal ConnectionError
func NewConnectionError(kind ErrorKind, f string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Kind: kind, Message: fmt.Sprintf(f, args...), Fatal: true}
}

func (e *ConnectionError) Error() string {
	if e.Message == "" {
		return "connection error: " + string(e.Kind)
	}
	return "connection error: " + string(e.Kind) + ": " + e.Message
}

// Is matches ConnectionErrors by kind, so errors.Is(err, &ConnectionError{Kind: ErrorRefused})
// works regardless of message
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.Kind == e.Kind
}

// Marshal serializes the error as an ERROR frame payload
func (e *ConnectionError) Marshal() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// only strings and a bool; cannot fail
		panic(err)
	}
	return b
}

// UnmarshalConnectionError parses an ERROR frame payload. An unparsable payload still yields a
// fatal ProtocolViolation so the caller always gets a typed failure.
func UnmarshalConnectionError(b []byte) *ConnectionError {
	e := &ConnectionError{}
	if err := json.Unmarshal(b, e); err != nil || e.Kind == "" {
		return NewConnectionError(ErrorProtocolViolation, "unreadable ERROR payload")
	}
	return e
}

// ErrConnectionClosed resolves requests outstanding when their connection is closed locally
var ErrConnectionClosed = &ConnectionError{Kind: ErrorClosed, Message: "connection closed", Fatal: true}

// SessionErrorKind names a failure of the whole tunnel session
type SessionErrorKind string

// TransportClosed means the WebSocket carrying the session went away
const TransportClosed SessionErrorKind = "TransportClosed"

// SessionError terminates every connection of a session
type SessionError struct {
	Kind  SessionErrorKind
	Cause error
}

// ErrSessionClosed matches any SessionError of kind TransportClosed with errors.Is
var ErrSessionClosed = &SessionError{Kind: TransportClosed}

func (e *SessionError) Error() string {
	if e.Cause == nil {
		return "session error: " + string(e.Kind)
	}
	return "session error: " + string(e.Kind) + ": " + e.Cause.Error()
}

// Is matches SessionErrors by kind
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	return ok && t.Kind == e.Kind
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// ErrorKindOf returns the kind carried by err if it wraps a ConnectionError, or "" otherwise
func ErrorKindOf(err error) ErrorKind {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
