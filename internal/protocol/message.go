package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the "type" discriminator every control message carries.
type MessageType string

const (
	TypeHello   MessageType = "hello"
	TypeListen  MessageType = "listen"
	TypeAbort   MessageType = "abort"
	TypeMCP     MessageType = "mcp"
	TypeSTT     MessageType = "stt"
	TypeLLM     MessageType = "llm"
	TypeTTS     MessageType = "tts"
	TypeIoT     MessageType = "iot"
	TypeSystem  MessageType = "system"
	TypeCustom  MessageType = "custom"
	TypeGoodbye MessageType = "goodbye"
)

// Listen states and modes.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"

	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// TTS playback states pushed by the remote.
const (
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
	TTSStateSentenceStart = "sentence_start"
)

// AudioParams describes the negotiated audio stream.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// UDPParams is the audio-connection bootstrap block of a dual-channel hello reply.
type UDPParams struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption,omitempty"`
	Key        string `json:"key"`   // hex
	Nonce      string `json:"nonce"` // hex
}

// Message is one control-plane unit, a tagged union keyed by Type. Variants use
// the subset of fields that apply to them; everything else stays zero and is
// omitted on the wire.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	// hello
	Version     int             `json:"version,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
	AudioParams *AudioParams    `json:"audio_params,omitempty"`
	UDP         *UDPParams      `json:"udp,omitempty"`

	// listen / tts
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// llm
	Emotion string `json:"emotion,omitempty"`

	// iot
	Commands json.RawMessage `json:"commands,omitempty"`

	// mcp (JSON-RPC envelope) / custom
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseMessage decodes inbound control JSON. A missing "type" is a parse-level
// error; the caller drops the message without any state change.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("control json: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Known reports whether the dispatch boundary recognizes this variant. Unknown
// types are logged and dropped, never fatal.
func (m *Message) Known() bool {
	switch m.Type {
	case TypeHello, TypeListen, TypeAbort, TypeMCP, TypeSTT, TypeLLM,
		TypeTTS, TypeIoT, TypeSystem, TypeCustom, TypeGoodbye:
		return true
	}
	return false
}

// NewListen builds an outbound listen intent.
func NewListen(sessionID, state, mode string) *Message {
	return &Message{Type: TypeListen, SessionID: sessionID, State: state, Mode: mode}
}

// NewWakeDetect reports a locally detected wake word.
func NewWakeDetect(sessionID, text string) *Message {
	return &Message{Type: TypeListen, SessionID: sessionID, State: ListenStateDetect, Text: text}
}

// NewAbort asks the remote to stop whatever it is currently speaking.
func NewAbort(sessionID, reason string) *Message {
	return &Message{Type: TypeAbort, SessionID: sessionID, Reason: reason}
}

// NewGoodbye announces session teardown.
func NewGoodbye(sessionID string) *Message {
	return &Message{Type: TypeGoodbye, SessionID: sessionID}
}

// NewMCPEnvelope wraps one JSON-RPC payload for the control channel.
func NewMCPEnvelope(sessionID string, payload json.RawMessage) *Message {
	return &Message{Type: TypeMCP, SessionID: sessionID, Payload: payload}
}
