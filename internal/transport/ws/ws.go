package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/pkg/Logger"
	"github.com/voxwire/voxwire/pkg/audio"
)

// Config is the single-channel binding's slice of the settings surface.
type Config struct {
	URL             string
	Token           string
	DeviceID        string
	FrameVersion    int
	ConnectTimeout  time.Duration
	LivenessTimeout time.Duration
	AudioParams     protocol.AudioParams
	QueueFrames     int
	EnableMCP       bool
}

// Transport implements protocol.SessionProtocol over one websocket. Control
// messages travel as text frames; audio travels as binary frames, enveloped
// per the configured frame layout.
type Transport struct {
	cfg    Config
	logger *Logger.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	sess         *protocol.Session
	fatal        error
	lastRecv     time.Time
	started      time.Time
	helloPending bool
	helloCh      chan *protocol.Message
	done         chan struct{}
	torn         bool
	discOnce     *sync.Once
	queue        audio.FrameQueue

	writeMu sync.Mutex

	onControl protocol.ControlHandler
	onAudio   protocol.AudioHandler
	onDisc    protocol.DisconnectHandler
}

var _ protocol.SessionProtocol = (*Transport)(nil)

func New(cfg Config, logger *Logger.Logger) *Transport {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = 120 * time.Second
	}
	if cfg.QueueFrames == 0 {
		cfg.QueueFrames = 64
	}
	return &Transport{cfg: cfg, logger: logger}
}

func (t *Transport) OnControl(fn protocol.ControlHandler)         { t.onControl = fn }
func (t *Transport) OnAudio(fn protocol.AudioHandler)             { t.onAudio = fn }
func (t *Transport) OnDisconnected(fn protocol.DisconnectHandler) { t.onDisc = fn }

// OpenChannel dials, sends hello and waits for a matching reply. On any
// failure the socket is already closed when the error returns.
func (t *Transport) OpenChannel(ctx context.Context) (*protocol.Session, error) {
	t.mu.Lock()
	if t.conn != nil && !t.torn {
		t.mu.Unlock()
		return nil, &protocol.ConnectError{Transport: "websocket", Err: fmt.Errorf("channel already open")}
	}
	// reset per-connection state; every attempt is independent
	t.sess = nil
	t.fatal = nil
	t.torn = false
	t.helloPending = true
	t.helloCh = make(chan *protocol.Message, 1)
	t.done = make(chan struct{})
	t.discOnce = &sync.Once{}
	t.queue = audio.NewFrameQueue(t.cfg.QueueFrames * 1024)
	done := t.done
	t.mu.Unlock()

	if t.cfg.Token != "" {
		if err := auth.CheckExpiry(t.cfg.Token); err != nil {
			return nil, &protocol.ConnectError{Transport: "websocket", Err: err}
		}
	}

	deviceID := t.cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	header.Set("Protocol-Version", fmt.Sprintf("%d", protocol.Version))
	header.Set("Device-Id", deviceID)

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return nil, &protocol.ConnectError{Transport: "websocket", Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.lastRecv = time.Now()
	t.started = time.Now()
	t.mu.Unlock()

	go t.readPump(conn)

	hello := protocol.NewHello(protocol.TransportWebsocket, t.cfg.AudioParams, t.cfg.EnableMCP)
	if err := t.writeJSON(conn, hello); err != nil {
		t.teardown(err)
		return nil, &protocol.ConnectError{Transport: "websocket", Err: err}
	}

	select {
	case reply := <-t.helloCh:
		if err := protocol.CheckHelloReply(protocol.TransportWebsocket, reply); err != nil {
			t.teardown(err)
			return nil, &protocol.ConnectError{Transport: "websocket", Err: err}
		}
		sess := protocol.NegotiatedSession(protocol.TransportWebsocket, t.cfg.AudioParams, reply)
		if sess.ID == "" {
			sess.ID = uuid.NewString()
		}
		t.mu.Lock()
		t.sess = sess
		t.helloPending = false
		t.mu.Unlock()

		go t.writeLoop(conn, done)
		go t.watchdog(done)

		t.logger.Infof("websocket session %s open against %s", sess.ID, t.cfg.URL)
		return sess, nil

	case <-time.After(t.cfg.ConnectTimeout):
		t.teardown(protocol.ErrHelloTimeout)
		return nil, &protocol.ConnectError{Transport: "websocket", Err: protocol.ErrHelloTimeout}

	case <-ctx.Done():
		t.teardown(ctx.Err())
		return nil, &protocol.ConnectError{Transport: "websocket", Err: protocol.ErrConnectCancelled}

	case <-done:
		return nil, &protocol.ConnectError{Transport: "websocket", Err: protocol.ErrConnectCancelled}
	}
}

// IsOpen reports whether a session exists, nothing fatal happened and the
// liveness window has not elapsed.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOpenLocked()
}

func (t *Transport) isOpenLocked() bool {
	if t.conn == nil || t.sess == nil || t.torn || t.fatal != nil {
		return false
	}
	return time.Since(t.lastRecv) < t.cfg.LivenessTimeout
}

func (t *Transport) SendControl(msg *protocol.Message) error {
	t.mu.Lock()
	conn := t.conn
	open := t.isOpenLocked()
	t.mu.Unlock()
	if !open {
		return protocol.ErrNotOpen
	}
	return t.writeJSON(conn, msg)
}

// SendAudio queues one encoded frame. The write loop drains the queue in
// order; when the device outruns the socket the oldest frames are shed.
func (t *Transport) SendAudio(frame []byte) error {
	t.mu.Lock()
	queue := t.queue
	open := t.isOpenLocked()
	t.mu.Unlock()
	if !open {
		return protocol.ErrNotOpen
	}
	return queue.Enqueue(frame)
}

// CloseChannel is idempotent and safe from any goroutine.
func (t *Transport) CloseChannel() {
	t.teardown(nil)
}

func (t *Transport) writeJSON(conn *websocket.Conn, msg *protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			torn := t.torn
			t.mu.Unlock()
			if !torn {
				t.teardown(err)
			}
			return
		}

		t.mu.Lock()
		t.lastRecv = time.Now()
		t.mu.Unlock()

		switch mt {
		case websocket.TextMessage:
			t.handleControl(data)
		case websocket.BinaryMessage:
			t.handleBinary(data)
		}
	}
}

func (t *Transport) handleControl(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.logger.Warnf("dropping control message: %v", err)
		return
	}

	t.mu.Lock()
	pending := t.helloPending
	helloCh := t.helloCh
	t.mu.Unlock()

	if msg.Type == protocol.TypeHello && pending {
		select {
		case helloCh <- msg:
		default:
		}
		return
	}
	if t.onControl != nil {
		t.onControl(msg)
	}
}

func (t *Transport) handleBinary(data []byte) {
	frame, err := protocol.DecodeFrame(t.cfg.FrameVersion, data)
	if err != nil {
		t.logger.Warnf("dropping binary frame: %v", err)
		return
	}
	switch frame.Type {
	case protocol.FrameJSON:
		t.handleControl(frame.Payload)
	case protocol.FrameAudio:
		if t.onAudio != nil {
			t.onAudio(frame.Payload)
		}
	}
}

func (t *Transport) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	for {
		payload, ok := t.queue.Next(done)
		if !ok {
			return
		}
		ts := uint32(time.Since(t.started).Milliseconds())
		wire, err := protocol.EncodeFrame(t.cfg.FrameVersion, &protocol.Frame{
			Type:      protocol.FrameAudio,
			Timestamp: ts,
			Payload:   payload,
		})
		if err != nil {
			t.logger.Warnf("dropping outbound audio frame: %v", err)
			continue
		}
		t.writeMu.Lock()
		err = conn.WriteMessage(websocket.BinaryMessage, wire)
		t.writeMu.Unlock()
		if err != nil {
			t.teardown(err)
			return
		}
	}
}

// watchdog enforces the liveness timeout: silence beyond the window closes
// the session and fires OnDisconnected exactly once.
func (t *Transport) watchdog(done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.Lock()
			expired := !t.torn && time.Since(t.lastRecv) >= t.cfg.LivenessTimeout
			t.mu.Unlock()
			if expired {
				t.teardown(fmt.Errorf("liveness timeout: nothing received for %s", t.cfg.LivenessTimeout))
				return
			}
		}
	}
}

func (t *Transport) teardown(reason error) {
	t.mu.Lock()
	if t.torn {
		t.mu.Unlock()
		return
	}
	t.torn = true
	if reason != nil {
		t.fatal = reason
	}
	conn := t.conn
	queue := t.queue
	hadSession := t.sess != nil
	done := t.done
	discOnce := t.discOnce
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if queue != nil {
		queue.Close()
	}
	if conn != nil {
		conn.Close()
	}

	if hadSession && t.onDisc != nil && discOnce != nil {
		discOnce.Do(func() { t.onDisc(reason) })
	}
}
