package protocol

import (
	"errors"
	"fmt"
)

// Sentinels for the failure kinds the session layer can surface.
var (
	// ErrNotOpen is returned by SendControl/SendAudio when no live session exists.
	ErrNotOpen = errors.New("session channel not open")

	// ErrHelloTimeout means no matching hello reply arrived within the connect timeout.
	ErrHelloTimeout = errors.New("hello reply timeout")

	// ErrHelloMismatch means the hello reply did not echo the requested transport
	// or carried an incompatible protocol version.
	ErrHelloMismatch = errors.New("hello reply mismatch")

	// ErrConnectCancelled means CloseChannel (or ctx cancellation) interrupted an
	// in-flight OpenChannel.
	ErrConnectCancelled = errors.New("connect cancelled")

	// ErrMissingType marks control JSON without the mandatory "type" discriminator.
	ErrMissingType = errors.New("control message missing type")
)

// ConnectError wraps any failure of OpenChannel. The transport is already torn
// down by the time the caller sees one of these.
type ConnectError struct {
	Transport string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Transport, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// FrameError marks a malformed binary audio envelope. The frame is dropped,
// the session stays open.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bad frame: %s", e.Reason)
}
