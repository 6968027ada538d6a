package hassws

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrCannotConnect wraps transport-level failures during the connect
	// handshake (dial, TLS, upgrade, or a broken handshake exchange).
	ErrCannotConnect = errors.New("cannot connect")

	// ErrNotConnected is returned when a send is attempted while the client
	// is not in the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionFailed reports an unexpected transport error while
	// connected. It tears down the connection and cancels pending requests.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidMessage reports a malformed or non-text inbound frame. It is
	// fatal to the current connection.
	ErrInvalidMessage = errors.New("invalid message")
)

// AuthenticationError reports a rejected access token during the handshake.
// It is not retried by the reconnect supervisor.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Message
}

// CommandError reports a request the server explicitly rejected. Only the
// caller of that request observes it; the connection is unaffected.
type CommandError struct {
	ID      int64
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("command %d failed: %s: %s", e.ID, e.Code, e.Message)
	}
	return fmt.Sprintf("command %d failed: %s", e.ID, e.Message)
}

// TooLargeError is a connection failure caused by an inbound frame exceeding
// the current read limit. Size is the frame size the server reported, or zero
// when unknown. The limit is raised before the next connect attempt.
type TooLargeError struct {
	Size int64
}

func (e *TooLargeError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("connection failed: inbound message of %d bytes exceeded the size limit", e.Size)
	}
	return "connection failed: inbound message exceeded the size limit"
}

func (e *TooLargeError) Unwrap() error { return ErrConnectionFailed }
