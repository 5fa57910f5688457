package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeIO is returned when the transport fails or the peer
	// closes the connection before answering.
	ErrHandshakeIO = errors.New("handshake i/o failure")

	// ErrHandshakeProtocol is returned when the peer answers with a frame
	// that is neither a success nor an error response.
	ErrHandshakeProtocol = errors.New("unexpected handshake response")

	// ErrHandshakeRejected is matched by every *RejectedError.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrUnsupported is returned when the peer uses a capability this
	// daemon does not implement, such as an endpoint change notification
	// in place of a response.
	ErrUnsupported = errors.New("unsupported capability")
)

// RejectedError is returned when the peer explicitly refused the connection
// setup.
type RejectedError struct {
	// Reason is the error code supplied by the peer.
	Reason string

	// Flags lists the requested features the peer does not support.
	Flags uint32
}

// Error returns a human readable description of the rejection.
func (e *RejectedError) Error() string {
	if e.Flags != 0 {
		return fmt.Sprintf("%v: %s (unsupported flags %032b)",
			ErrHandshakeRejected, e.Reason, e.Flags)
	}

	return fmt.Sprintf("%v: %s", ErrHandshakeRejected, e.Reason)
}

// Unwrap makes errors.Is(err, ErrHandshakeRejected) hold.
func (e *RejectedError) Unwrap() error {
	return ErrHandshakeRejected
}
