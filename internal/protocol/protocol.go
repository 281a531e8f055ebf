package protocol

import (
	"context"
)

// Version is the protocol version proposed in the hello exchange.
const Version = 1

// TransportKind names the two interchangeable bindings.
type TransportKind string

const (
	TransportWebsocket TransportKind = "websocket"
	TransportUDP       TransportKind = "udp"
)

// Session is one negotiated conversation. ID is assigned exactly once, on
// hello success, and never reassigned.
type Session struct {
	ID          string
	Transport   TransportKind
	AudioParams AudioParams
}

// Observer callbacks. Per connection, delivery order equals wire arrival
// order; the dual-channel binding gives no ordering guarantee between its
// control and audio connections.
type (
	ControlHandler    func(msg *Message)
	AudioHandler      func(frame []byte)
	DisconnectHandler func(reason error)
)

// SessionProtocol is the contract both transport bindings implement. Callers
// depend only on this interface; the concrete binding is picked at
// configuration time.
type SessionProtocol interface {
	// OpenChannel establishes connectivity, sends hello and waits up to the
	// connect timeout for a matching reply. On any failure the transport is
	// already torn down; no partial connection leaks. CloseChannel or ctx
	// cancellation unblocks the wait with a cancellation ConnectError.
	OpenChannel(ctx context.Context) (*Session, error)

	// IsOpen is true only while a session exists, no fatal error has been
	// recorded and the liveness window has not elapsed.
	IsOpen() bool

	// SendControl serializes and transmits one control message.
	SendControl(msg *Message) error

	// SendAudio transmits one encoded audio frame. Ordering and loss
	// tolerance depend on the binding.
	SendAudio(frame []byte) error

	OnControl(fn ControlHandler)
	OnAudio(fn AudioHandler)
	OnDisconnected(fn DisconnectHandler)

	// CloseChannel is idempotent: it tears down all owned connections and
	// fires OnDisconnected at most once.
	CloseChannel()
}

// NewHello builds the outbound handshake request for a binding.
func NewHello(kind TransportKind, params AudioParams, mcp bool) *Message {
	return &Message{
		Type:        TypeHello,
		Version:     Version,
		Transport:   string(kind),
		Features:    map[string]bool{"mcp": mcp},
		AudioParams: &params,
	}
}

// CheckHelloReply validates an inbound hello against the request: the reply
// must echo the transport kind, and when it carries a version it must equal
// ours. Returns ErrHelloMismatch otherwise.
func CheckHelloReply(kind TransportKind, reply *Message) error {
	if reply.Type != TypeHello {
		return ErrHelloMismatch
	}
	if reply.Transport != string(kind) {
		return ErrHelloMismatch
	}
	if reply.Version != 0 && reply.Version != Version {
		return ErrHelloMismatch
	}
	return nil
}

// NegotiatedSession folds a hello reply into a Session. The remote may leave
// session_id empty and may override any subset of the proposed audio params.
func NegotiatedSession(kind TransportKind, proposed AudioParams, reply *Message) *Session {
	s := &Session{ID: reply.SessionID, Transport: kind, AudioParams: proposed}
	if reply.AudioParams != nil {
		if reply.AudioParams.Format != "" {
			s.AudioParams.Format = reply.AudioParams.Format
		}
		if reply.AudioParams.SampleRate != 0 {
			s.AudioParams.SampleRate = reply.AudioParams.SampleRate
		}
		if reply.AudioParams.Channels != 0 {
			s.AudioParams.Channels = reply.AudioParams.Channels
		}
		if reply.AudioParams.FrameDuration != 0 {
			s.AudioParams.FrameDuration = reply.AudioParams.FrameDuration
		}
	}
	return s
}
