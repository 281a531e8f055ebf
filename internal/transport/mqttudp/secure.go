package mqttudp

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"

	"github.com/voxwire/voxwire/pkg/Logger"
)

// Audio packet layout, big endian:
//
//	type:u8 (0x01) | flags:u8 (0) | payload_len:u16 | ssrc:u32 | timestamp:u32 | sequence:u32 | payload
//
// The per-packet counter input is the 16-byte session nonce with timestamp
// and sequence patched in at the header offsets. The nonce supplies every
// other byte, so packets from sessions with different nonces never share a
// keystream even under the same key.
const (
	packetHeaderSize = 16
	packetTypeAudio  = 0x01
)

// Cipher suites for the audio connection.
const (
	SuiteAESCTR   = "aes-ctr"
	SuiteChaCha20 = "chacha20"
)

// ErrReplayRejected marks a stale or duplicated sequence. The packet is
// dropped; the session stays open.
var ErrReplayRejected = errors.New("replayed or stale audio packet")

// DecryptError marks a packet that failed parsing or decryption. Dropped
// without touching the sequence window.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("audio decrypt: %s", e.Reason)
}

// PacketInfo is the transport metadata of one accepted packet.
type PacketInfo struct {
	SSRC      uint32
	Timestamp uint32
	Sequence  uint32
}

// EncryptionContext holds the session key material. Established once during
// the dual-channel handshake, immutable afterwards.
type EncryptionContext struct {
	suite string
	key   []byte
	nonce [packetHeaderSize]byte
	block cipher.Block
}

func NewEncryptionContext(suite, keyHex, nonceHex string) (*EncryptionContext, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("key material: %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("nonce material: %w", err)
	}
	if len(nonce) != packetHeaderSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", packetHeaderSize, len(nonce))
	}

	ctx := &EncryptionContext{suite: suite, key: key}
	copy(ctx.nonce[:], nonce)

	switch suite {
	case SuiteAESCTR:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes key: %w", err)
		}
		ctx.block = block
	case SuiteChaCha20:
		if len(key) != chacha20.KeySize {
			return nil, fmt.Errorf("chacha20 key must be %d bytes, got %d", chacha20.KeySize, len(key))
		}
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", suite)
	}
	return ctx, nil
}

// counter builds the per-packet counter block: the session nonce with the
// packet's timestamp and sequence patched in.
func (c *EncryptionContext) counter(timestamp, sequence uint32) [packetHeaderSize]byte {
	ctr := c.nonce
	binary.BigEndian.PutUint32(ctr[8:12], timestamp)
	binary.BigEndian.PutUint32(ctr[12:16], sequence)
	return ctr
}

// apply runs the counter-mode keystream over src into dst. Symmetric: the
// same call encrypts and decrypts.
func (c *EncryptionContext) apply(counter [packetHeaderSize]byte, dst, src []byte) error {
	switch c.suite {
	case SuiteAESCTR:
		cipher.NewCTR(c.block, counter[:]).XORKeyStream(dst, src)
		return nil
	case SuiteChaCha20:
		// nonce bytes + timestamp + sequence are the 12 unique bytes
		stream, err := chacha20.NewUnauthenticatedCipher(c.key, counter[4:packetHeaderSize])
		if err != nil {
			return err
		}
		stream.XORKeyStream(dst, src)
		return nil
	}
	return fmt.Errorf("unknown cipher suite %q", c.suite)
}

// SequenceWindow is the anti-replay state for one audio source. Mutated only
// by the inbound decrypt path, under its own lock so audio throughput never
// waits on control-plane locking.
type SequenceWindow struct {
	mu           sync.Mutex
	gapTolerance uint32
	last         uint32
	primed       bool
}

func NewSequenceWindow(gapTolerance uint32) *SequenceWindow {
	return &SequenceWindow{gapTolerance: gapTolerance}
}

// Accept decides one inbound sequence number. A sequence at or below the last
// accepted value is rejected unconditionally; forward gaps always advance the
// window, with lossSuspected set when the gap exceeds the tolerance.
func (w *SequenceWindow) Accept(seq uint32) (lossSuspected bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.primed && seq <= w.last {
		return false, ErrReplayRejected
	}
	if w.primed {
		gap := seq - w.last - 1
		lossSuspected = gap > w.gapTolerance
	}
	w.last = seq
	w.primed = true
	return lossSuspected, nil
}

// Last returns the highest accepted sequence.
func (w *SequenceWindow) Last() (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.primed
}

// SecureChannel seals outbound and opens inbound audio packets for one
// session. The outbound sequence is monotonic from 0, incremented exactly
// once per sent frame.
type SecureChannel struct {
	enc    *EncryptionContext
	logger *Logger.Logger
	ssrc   uint32

	outMu  sync.Mutex
	seqOut uint32

	winMu        sync.Mutex
	gapTolerance uint32
	windows      map[uint32]*SequenceWindow
}

func NewSecureChannel(enc *EncryptionContext, ssrc uint32, gapTolerance uint32, logger *Logger.Logger) *SecureChannel {
	return &SecureChannel{
		enc:          enc,
		logger:       logger,
		ssrc:         ssrc,
		gapTolerance: gapTolerance,
		windows:      make(map[uint32]*SequenceWindow),
	}
}

// Seal encrypts one frame and emits header + ciphertext.
func (s *SecureChannel) Seal(payload []byte, timestamp uint32) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("audio frame too large: %d bytes", len(payload))
	}

	s.outMu.Lock()
	seq := s.seqOut
	s.seqOut++
	s.outMu.Unlock()

	packet := make([]byte, packetHeaderSize+len(payload))
	header := packet[:packetHeaderSize]
	header[0] = packetTypeAudio
	header[1] = 0
	binary.BigEndian.PutUint16(header[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], s.ssrc)
	binary.BigEndian.PutUint32(header[8:12], timestamp)
	binary.BigEndian.PutUint32(header[12:16], seq)

	if err := s.enc.apply(s.enc.counter(timestamp, seq), packet[packetHeaderSize:], payload); err != nil {
		return nil, err
	}
	return packet, nil
}

// Open parses, decrypts and replay-checks one inbound packet. The sequence
// window is only consulted after a successful decrypt.
func (s *SecureChannel) Open(packet []byte) ([]byte, *PacketInfo, error) {
	if len(packet) < packetHeaderSize {
		return nil, nil, &DecryptError{Reason: "packet shorter than header"}
	}
	header := packet[:packetHeaderSize]
	if header[0] != packetTypeAudio {
		return nil, nil, &DecryptError{Reason: fmt.Sprintf("unexpected packet type 0x%02x", header[0])}
	}
	if header[1] != 0 {
		return nil, nil, &DecryptError{Reason: "nonzero flags"}
	}
	payloadLen := binary.BigEndian.Uint16(header[2:4])
	if int(payloadLen) != len(packet)-packetHeaderSize {
		return nil, nil, &DecryptError{Reason: "payload length mismatch"}
	}

	info := &PacketInfo{
		SSRC:      binary.BigEndian.Uint32(header[4:8]),
		Timestamp: binary.BigEndian.Uint32(header[8:12]),
		Sequence:  binary.BigEndian.Uint32(header[12:16]),
	}

	payload := make([]byte, payloadLen)
	if err := s.enc.apply(s.enc.counter(info.Timestamp, info.Sequence), payload, packet[packetHeaderSize:]); err != nil {
		return nil, nil, &DecryptError{Reason: err.Error()}
	}

	lossSuspected, err := s.window(info.SSRC).Accept(info.Sequence)
	if err != nil {
		return nil, info, err
	}
	if lossSuspected {
		s.logger.Warnf("audio source %d jumped to sequence %d, packets likely lost", info.SSRC, info.Sequence)
	}
	return payload, info, nil
}

func (s *SecureChannel) window(ssrc uint32) *SequenceWindow {
	s.winMu.Lock()
	defer s.winMu.Unlock()
	w, ok := s.windows[ssrc]
	if !ok {
		w = NewSequenceWindow(s.gapTolerance)
		s.windows[ssrc] = w
	}
	return w
}

// LastAccepted reports the window position of one source, for diagnostics.
func (s *SecureChannel) LastAccepted(ssrc uint32) (uint32, bool) {
	return s.window(ssrc).Last()
}
