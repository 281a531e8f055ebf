// Package mqttudp binds the session protocol to a dual-channel transport:
// control messages ride a reliable MQTT connection, audio rides encrypted
// UDP packets keyed during the handshake.
package mqttudp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/protocol"
	"github.com/voxwire/voxwire/pkg/Logger"
	"github.com/voxwire/voxwire/pkg/audio"
)

// Config is the dual-channel binding's slice of the settings surface.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	PublishTopic   string
	SubscribeTopic string

	ConnectTimeout  time.Duration
	LivenessTimeout time.Duration
	AudioParams     protocol.AudioParams
	QueueFrames     int
	EnableMCP       bool

	CipherSuite  string
	GapTolerance uint32
}

// Transport implements protocol.SessionProtocol over MQTT + UDP. The control
// connection self-heals through the broker client's reconnect; the audio
// connection does not, losing it ends the session because the key material
// only exists on the original handshake.
type Transport struct {
	cfg    Config
	logger *Logger.Logger

	client mqtt.Client

	mu           sync.Mutex
	sess         *protocol.Session
	udp          *net.UDPConn
	secure       *SecureChannel
	fatal        error
	lastRecv     time.Time
	started      time.Time
	controlUp    bool
	helloPending bool
	helloCh      chan *protocol.Message
	done         chan struct{}
	torn         bool
	discOnce     *sync.Once
	queue        audio.FrameQueue

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
	if cfg.CipherSuite == "" {
		cfg.CipherSuite = SuiteAESCTR
	}
	if cfg.GapTolerance == 0 {
		cfg.GapTolerance = 16
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "voxwire-" + uuid.NewString()[:8]
	}
	return &Transport{cfg: cfg, logger: logger}
}

func (t *Transport) OnControl(fn protocol.ControlHandler)         { t.onControl = fn }
func (t *Transport) OnAudio(fn protocol.AudioHandler)             { t.onAudio = fn }
func (t *Transport) OnDisconnected(fn protocol.DisconnectHandler) { t.onDisc = fn }

// OpenChannel connects to the broker, runs the hello exchange over MQTT and
// dials the UDP endpoint the reply names. On any failure both connections
// are already closed when the error returns.
func (t *Transport) OpenChannel(ctx context.Context) (*protocol.Session, error) {
	t.mu.Lock()
	if t.sess != nil && !t.torn {
		t.mu.Unlock()
		return nil, &protocol.ConnectError{Transport: "udp", Err: fmt.Errorf("channel already open")}
	}
	t.sess = nil
	t.udp = nil
	t.secure = nil
	t.fatal = nil
	t.torn = false
	t.controlUp = false
	t.helloPending = true
	t.helloCh = make(chan *protocol.Message, 1)
	t.done = make(chan struct{})
	t.discOnce = &sync.Once{}
	t.queue = audio.NewFrameQueue(t.cfg.QueueFrames * 1024)
	done := t.done
	t.mu.Unlock()

	subReady := make(chan error, 1)
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.mu.Lock()
			t.controlUp = false
			t.mu.Unlock()
			t.logger.Warnf("control connection lost, reconnecting: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			// fires on the first connect and on every reconnect; the
			// subscription does not survive a broker session reset
			tok := c.Subscribe(t.cfg.SubscribeTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
				t.mu.Lock()
				t.lastRecv = time.Now()
				t.mu.Unlock()
				t.handleControl(m.Payload())
			})
			tok.Wait()
			t.mu.Lock()
			t.controlUp = tok.Error() == nil
			t.mu.Unlock()
			select {
			case subReady <- tok.Error():
			default:
			}
		})

	client := mqtt.NewClient(opts)
	t.client = client

	if tok := client.Connect(); !tok.WaitTimeout(t.cfg.ConnectTimeout) || tok.Error() != nil {
		err := tok.Error()
		if err == nil {
			err = fmt.Errorf("broker connect timed out after %s", t.cfg.ConnectTimeout)
		}
		t.teardown(err)
		return nil, &protocol.ConnectError{Transport: "udp", Err: err}
	}

	select {
	case err := <-subReady:
		if err != nil {
			t.teardown(err)
			return nil, &protocol.ConnectError{Transport: "udp", Err: err}
		}
	case <-time.After(t.cfg.ConnectTimeout):
		t.teardown(protocol.ErrHelloTimeout)
		return nil, &protocol.ConnectError{Transport: "udp", Err: protocol.ErrHelloTimeout}
	case <-ctx.Done():
		t.teardown(ctx.Err())
		return nil, &protocol.ConnectError{Transport: "udp", Err: protocol.ErrConnectCancelled}
	}

	t.mu.Lock()
	t.lastRecv = time.Now()
	t.started = time.Now()
	t.mu.Unlock()

	hello := protocol.NewHello(protocol.TransportUDP, t.cfg.AudioParams, t.cfg.EnableMCP)
	if err := t.publish(hello); err != nil {
		t.teardown(err)
		return nil, &protocol.ConnectError{Transport: "udp", Err: err}
	}

	select {
	case reply := <-t.helloCh:
		sess, err := t.establish(reply)
		if err != nil {
			t.teardown(err)
			return nil, &protocol.ConnectError{Transport: "udp", Err: err}
		}
		go t.writeLoop(done)
		go t.watchdog(done)
		t.logger.Infof("dual-channel session %s open, audio to %s", sess.ID, t.udpRemote())
		return sess, nil

	case <-time.After(t.cfg.ConnectTimeout):
		t.teardown(protocol.ErrHelloTimeout)
		return nil, &protocol.ConnectError{Transport: "udp", Err: protocol.ErrHelloTimeout}

	case <-ctx.Done():
		t.teardown(ctx.Err())
		return nil, &protocol.ConnectError{Transport: "udp", Err: protocol.ErrConnectCancelled}

	case <-done:
		return nil, &protocol.ConnectError{Transport: "udp", Err: protocol.ErrConnectCancelled}
	}
}

// establish validates the hello reply, builds the encryption context and
// dials the audio endpoint.
func (t *Transport) establish(reply *protocol.Message) (*protocol.Session, error) {
	if err := protocol.CheckHelloReply(protocol.TransportUDP, reply); err != nil {
		return nil, err
	}
	if reply.UDP == nil {
		return nil, fmt.Errorf("%w: reply carries no udp block", protocol.ErrHelloMismatch)
	}

	suite := t.cfg.CipherSuite
	if reply.UDP.Encryption != "" {
		suite = reply.UDP.Encryption
	}
	enc, err := NewEncryptionContext(suite, reply.UDP.Key, reply.UDP.Nonce)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", reply.UDP.Server, reply.UDP.Port))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}

	sess := protocol.NegotiatedSession(protocol.TransportUDP, t.cfg.AudioParams, reply)
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	id := uuid.New()
	ssrc := binary.BigEndian.Uint32(id[:4])

	t.mu.Lock()
	t.sess = sess
	t.udp = conn
	t.secure = NewSecureChannel(enc, ssrc, t.cfg.GapTolerance, t.logger)
	t.helloPending = false
	t.mu.Unlock()

	go t.udpReadLoop(conn, t.secure)
	return sess, nil
}

func (t *Transport) udpRemote() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.udp == nil {
		return ""
	}
	return t.udp.RemoteAddr().String()
}

// IsOpen requires both connections healthy: a session exists, the broker
// client is connected and subscribed, and the liveness window has not
// elapsed.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isOpenLocked()
}

func (t *Transport) isOpenLocked() bool {
	if t.sess == nil || t.udp == nil || t.torn || t.fatal != nil || !t.controlUp {
		return false
	}
	return time.Since(t.lastRecv) < t.cfg.LivenessTimeout
}

func (t *Transport) SendControl(msg *protocol.Message) error {
	t.mu.Lock()
	open := t.isOpenLocked()
	t.mu.Unlock()
	if !open {
		return protocol.ErrNotOpen
	}
	return t.publish(msg)
}

// SendAudio queues one encoded frame for sealing. When the device outruns
// the socket the oldest frames are shed.
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

// CloseChannel sends a best-effort goodbye over the control connection and
// tears both connections down. Idempotent.
func (t *Transport) CloseChannel() {
	t.mu.Lock()
	sess := t.sess
	open := t.isOpenLocked()
	t.mu.Unlock()
	if open && sess != nil {
		if err := t.publish(protocol.NewGoodbye(sess.ID)); err != nil {
			t.logger.Debugf("goodbye not delivered: %v", err)
		}
	}
	t.teardown(nil)
}

func (t *Transport) publish(msg *protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	tok := t.client.Publish(t.cfg.PublishTopic, 1, false, raw)
	if !tok.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("publish timed out after %s", t.cfg.ConnectTimeout)
	}
	return tok.Error()
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

func (t *Transport) udpReadLoop(conn *net.UDPConn, secure *SecureChannel) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.mu.Lock()
			torn := t.torn
			t.mu.Unlock()
			if !torn {
				t.teardown(fmt.Errorf("audio connection: %w", err))
			}
			return
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		payload, info, err := secure.Open(packet)
		switch {
		case err == nil:
			t.mu.Lock()
			t.lastRecv = time.Now()
			t.mu.Unlock()
			if t.onAudio != nil {
				t.onAudio(payload)
			}
		case err == ErrReplayRejected:
			t.logger.Debugf("dropping replayed packet seq %d from %d", info.Sequence, info.SSRC)
		default:
			t.logger.Warnf("dropping audio packet: %v", err)
		}
	}
}

func (t *Transport) writeLoop(done <-chan struct{}) {
	for {
		payload, ok := t.queue.Next(done)
		if !ok {
			return
		}
		t.mu.Lock()
		secure := t.secure
		conn := t.udp
		ts := uint32(time.Since(t.started).Milliseconds())
		t.mu.Unlock()
		if secure == nil || conn == nil {
			return
		}

		packet, err := secure.Seal(payload, ts)
		if err != nil {
			t.logger.Warnf("dropping outbound audio frame: %v", err)
			continue
		}
		if _, err := conn.Write(packet); err != nil {
			t.teardown(fmt.Errorf("audio connection: %w", err))
			return
		}
	}
}

// watchdog enforces the liveness timeout across both channels.
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
	udp := t.udp
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
	if udp != nil {
		udp.Close()
	}
	if t.client != nil && t.client.IsConnectionOpen() {
		t.client.Disconnect(250)
	}

	if hadSession && t.onDisc != nil && discOnce != nil {
		discOnce.Do(func() { t.onDisc(reason) })
	}
}
