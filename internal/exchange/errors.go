package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork matches every *NetworkError via errors.Is.
	ErrNetwork = errors.New("network error")

	// ErrAuthUnavailable is returned by Dialer.Open when the credential
	// triplet is incomplete. The session is never dialed.
	ErrAuthUnavailable = errors.New("stream credentials unavailable")

	// ErrSessionClosed is reported to SessionClosed when the session was
	// closed locally rather than by the peer or a timeout.
	ErrSessionClosed = errors.New("session closed")
)

// NetworkError is a failed REST call: transport error, timeout, non-2xx
// status or an unparseable body.
type NetworkError struct {
	Op         string // "get book", "derive api key", ...
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ProtocolError is a stream frame or element that could not be decoded.
// It never tears down a session.
type ProtocolError struct {
	EventType string // empty when the envelope itself was unreadable
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol: %s: %v", e.EventType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
