package session

import (
	"context"
	"encoding/json"

	"github.com/voxwire/voxwire/internal/mcp"
	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/pkg/Logger"
)

// DeviceSession ties one transport binding, the capability RPC engine and the
// state machine together. Inbound control messages are classified here: mcp
// envelopes go to the RPC engine, first-class control messages drive the
// machine, everything unrecognized is logged and dropped.
type DeviceSession struct {
	proto   protocol.SessionProtocol
	rpc     *mcp.Engine
	machine *Machine
	logger  *Logger.Logger

	listenMode string
	autoListen bool

	audioSink    func(frame []byte)
	onTranscript func(text string)
	onEmotion    func(emotion string)
	onCommand    func(commands json.RawMessage)
}

func New(proto protocol.SessionProtocol, rpc *mcp.Engine, machine *Machine, listenMode string, autoListen bool, logger *Logger.Logger) *DeviceSession {
	d := &DeviceSession{
		proto:      proto,
		rpc:        rpc,
		machine:    machine,
		logger:     logger,
		listenMode: listenMode,
		autoListen: autoListen,
	}

	proto.OnControl(d.handleControl)
	proto.OnAudio(func(frame []byte) {
		if d.audioSink != nil {
			d.audioSink(frame)
		}
	})
	proto.OnDisconnected(func(reason error) {
		if reason != nil {
			d.logger.Warnf("session disconnected: %v", reason)
		}
		d.rpc.Reset()
		if err := d.machine.Closed(); err != nil {
			d.logger.Debugf("close transition: %v", err)
		}
	})
	return d
}

// SetAudioSink installs the consumer for decoded-transport audio payloads.
// The payload bytes are opaque here; decoding is the codec's concern.
// Install before Open: once the channel is up the transport's dispatch
// goroutine reads these fields unguarded.
func (d *DeviceSession) SetAudioSink(fn func(frame []byte)) { d.audioSink = fn }

// OnTranscript observes inbound stt text. Register before Open.
func (d *DeviceSession) OnTranscript(fn func(text string)) { d.onTranscript = fn }

// OnEmotion observes inbound llm emotion updates. Register before Open.
func (d *DeviceSession) OnEmotion(fn func(emotion string)) { d.onEmotion = fn }

// OnCommand observes inbound iot command payloads. Register before Open.
func (d *DeviceSession) OnCommand(fn func(commands json.RawMessage)) { d.onCommand = fn }

// Open establishes the session: transport handshake plus state transitions.
func (d *DeviceSession) Open(ctx context.Context) (*protocol.Session, error) {
	if err := d.machine.Opened(); err != nil {
		return nil, err
	}
	sess, err := d.proto.OpenChannel(ctx)
	if err != nil {
		if ferr := d.machine.ConnectFail(); ferr != nil {
			d.logger.Debugf("connect_fail transition: %v", ferr)
		}
		return nil, err
	}

	d.rpc.Bind(func(payload json.RawMessage) error {
		return d.proto.SendControl(protocol.NewMCPEnvelope(sess.ID, payload))
	})

	if err := d.machine.ConnectOK(); err != nil {
		d.logger.Debugf("connect_ok transition: %v", err)
	}
	if d.autoListen {
		if err := d.proto.SendControl(protocol.NewListen(sess.ID, protocol.ListenStateStart, d.listenMode)); err != nil {
			d.logger.Warnf("auto listen start: %v", err)
		}
	}
	return sess, nil
}

// StartListening sends the listen intent and enters listening.
func (d *DeviceSession) StartListening(sessionID string) error {
	if err := d.proto.SendControl(protocol.NewListen(sessionID, protocol.ListenStateStart, d.listenMode)); err != nil {
		return err
	}
	return d.machine.ListenStart()
}

// StopListening sends the stop intent and leaves listening.
func (d *DeviceSession) StopListening(sessionID string) error {
	if err := d.proto.SendControl(protocol.NewListen(sessionID, protocol.ListenStateStop, d.listenMode)); err != nil {
		return err
	}
	return d.machine.ListenStop()
}

// WakeWordDetected reports a locally detected wake word to the remote.
func (d *DeviceSession) WakeWordDetected(sessionID, word string) error {
	return d.proto.SendControl(protocol.NewWakeDetect(sessionID, word))
}

// Abort asks the remote to stop speaking and forces idle.
func (d *DeviceSession) Abort(sessionID, reason string) error {
	if err := d.proto.SendControl(protocol.NewAbort(sessionID, reason)); err != nil {
		return err
	}
	return d.machine.Abort()
}

// SendAudio forwards one encoded frame to the transport.
func (d *DeviceSession) SendAudio(frame []byte) error {
	return d.proto.SendAudio(frame)
}

// RPC exposes the capability engine for outbound calls.
func (d *DeviceSession) RPC() *mcp.Engine { return d.rpc }

// State reports the machine's current state.
func (d *DeviceSession) State() string { return d.machine.Current() }

// Close tears down the channel. Idempotent.
func (d *DeviceSession) Close() { d.proto.CloseChannel() }

func (d *DeviceSession) handleControl(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeMCP:
		d.rpc.HandleEnvelope(msg.Payload)

	case protocol.TypeTTS:
		switch msg.State {
		case protocol.TTSStateStart:
			if err := d.machine.TTSStart(); err != nil {
				d.logger.Debugf("tts start: %v", err)
			}
		case protocol.TTSStateStop:
			if err := d.machine.TTSStop(); err != nil {
				d.logger.Debugf("tts stop: %v", err)
			}
		case protocol.TTSStateSentenceStart:
			if d.onTranscript != nil && msg.Text != "" {
				d.onTranscript(msg.Text)
			}
		}

	case protocol.TypeListen:
		switch msg.State {
		case protocol.ListenStateStart:
			if err := d.machine.ListenStart(); err != nil {
				d.logger.Debugf("listen start: %v", err)
			}
		case protocol.ListenStateStop:
			if err := d.machine.ListenStop(); err != nil {
				d.logger.Debugf("listen stop: %v", err)
			}
		}

	case protocol.TypeSTT:
		if d.onTranscript != nil {
			d.onTranscript(msg.Text)
		}

	case protocol.TypeLLM:
		if d.onEmotion != nil {
			d.onEmotion(msg.Emotion)
		}

	case protocol.TypeIoT, protocol.TypeSystem:
		if d.onCommand != nil {
			d.onCommand(msg.Commands)
		}

	case protocol.TypeCustom:
		d.logger.Infof("custom control message: %s", string(msg.Payload))

	case protocol.TypeGoodbye:
		d.logger.Infof("remote said goodbye for session %s", msg.SessionID)
		d.proto.CloseChannel()

	case protocol.TypeHello:
		// handshake replies are consumed by the transport; a stray hello
		// mid-session carries nothing for us

	case protocol.TypeAbort:
		if err := d.machine.Abort(); err != nil {
			d.logger.Debugf("abort transition: %v", err)
		}

	default:
		d.logger.Warnf("dropping control message with unrecognized type %q", msg.Type)
	}
}
