package ws

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned once a connection has been explicitly closed.
	ErrClosed = errors.New("connection closed")
	// ErrNotOpen is the cause of a TransportError raised by sending on a
	// connection that isn't open.
	ErrNotOpen = errors.New("connection is not open")
	// ErrDetached is returned by a listener that has been closed.
	ErrDetached = errors.New("listener detached")
	// ErrCompleted is returned by a listener once its stream has ended
	// normally.
	ErrCompleted = errors.New("subscription completed")
)

// HandshakeError means a connection could not be established.
type HandshakeError struct {
	URL string
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError means the socket failed after it was open.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportError(err error) error {
	if err == nil || IsTransport(err) {
		return err
	}

	return &TransportError{Err: err}
}

// ConnectionLostError is returned by a single result operation whose socket
// died after its start message was sent.
type ConnectionLostError struct {
	ID  MessageID
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost waiting for %s: %v", e.ID, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return transportError(e.Err) }

// ProtocolError describes an envelope that was dropped.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}

	return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsHandshake(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}

func IsConnectionLost(err error) bool {
	var cle *ConnectionLostError
	return errors.As(err, &cle)
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
