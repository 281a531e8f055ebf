package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/voxwire/voxwire/pkg/Logger"
)

// Externally observable session states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateListening  = "listening"
	StateSpeaking   = "speaking"
)

// TransitionObserver sees every state change.
type TransitionObserver func(from, to string)

// Machine drives the device's session states. Listening and speaking are only
// reachable after a successful handshake; the sessionUp guard enforces that a
// session always passes through connecting first.
type Machine struct {
	logger *Logger.Logger

	mu        sync.Mutex
	sm        *fsm.FSM
	sessionUp bool
	observers []TransitionObserver
}

func NewMachine(autoListen bool, logger *Logger.Logger) *Machine {
	m := &Machine{logger: logger}
	// with auto-listen the machine goes straight back to listening after a
	// handshake or a finished speak turn, with no intermediate idle
	settle := StateIdle
	if autoListen {
		settle = StateListening
	}
	m.sm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "open", Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: "connect_ok", Src: []string{StateConnecting}, Dst: settle},
			{Name: "connect_fail", Src: []string{StateConnecting}, Dst: StateIdle},
			{Name: "listen_start", Src: []string{StateIdle, StateListening, StateSpeaking}, Dst: StateListening},
			{Name: "listen_stop", Src: []string{StateListening}, Dst: StateIdle},
			{Name: "tts_start", Src: []string{StateIdle, StateListening, StateSpeaking}, Dst: StateSpeaking},
			{Name: "tts_stop", Src: []string{StateSpeaking}, Dst: settle},
			{Name: "abort", Src: []string{StateConnecting, StateListening, StateSpeaking}, Dst: StateIdle},
			{Name: "close", Src: []string{StateConnecting, StateListening, StateSpeaking}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.notify(e.Src, e.Dst)
			},
		},
	)
	return m
}

func (m *Machine) notify(from, to string) {
	if from == to {
		return
	}
	m.logger.Debugf("session state %s -> %s", from, to)
	for _, fn := range m.observers {
		fn(from, to)
	}
}

// OnTransition registers an observer. Register before driving events.
func (m *Machine) OnTransition(fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.Current()
}

func (m *Machine) fire(event string) error {
	if err := m.sm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("event %s in state %s: %w", event, m.sm.Current(), err)
	}
	return nil
}

// Opened marks an open-channel request.
func (m *Machine) Opened() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fire("open")
}

// ConnectOK marks handshake success. With auto-listen configured the machine
// transitions to listening in one step, otherwise it settles in idle.
func (m *Machine) ConnectOK() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fire("connect_ok"); err != nil {
		return err
	}
	m.sessionUp = true
	return nil
}

// ConnectFail marks handshake failure or timeout.
func (m *Machine) ConnectFail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionUp = false
	return m.fire("connect_fail")
}

func (m *Machine) ListenStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessionUp {
		return fmt.Errorf("listen without a negotiated session")
	}
	return m.fire("listen_start")
}

func (m *Machine) ListenStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fire("listen_stop")
}

// TTSStart enters speaking.
func (m *Machine) TTSStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessionUp {
		return fmt.Errorf("tts without a negotiated session")
	}
	return m.fire("tts_start")
}

// TTSStop leaves speaking, back to listening or idle in one step depending
// on the configured auto-listen policy.
func (m *Machine) TTSStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fire("tts_stop")
}

// Abort forces idle from any active state.
func (m *Machine) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sm.Current() == StateIdle {
		return nil
	}
	return m.fire("abort")
}

// Closed marks channel teardown. Idempotent.
func (m *Machine) Closed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionUp = false
	if m.sm.Current() == StateIdle {
		return nil
	}
	return m.fire("close")
}
