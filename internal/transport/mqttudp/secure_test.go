package mqttudp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/voxwire/voxwire/pkg/Logger"
)

const (
	testKeyHex      = "000102030405060708090a0b0c0d0e0f"
	testKey32Hex    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testNonceHex    = "01000000a1a2a3a40000000000000000"
	testGapTol      = 4
	testSSRC        = 0xa1a2a3a4
)

func sender(t *testing.T, suite, keyHex string) *SecureChannel {
	t.Helper()
	enc, err := NewEncryptionContext(suite, keyHex, testNonceHex)
	if err != nil {
		t.Fatalf("encryption context: %v", err)
	}
	return NewSecureChannel(enc, testSSRC, testGapTol, Logger.Nop())
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		suite string
		key   string
	}{
		{SuiteAESCTR, testKeyHex},
		{SuiteChaCha20, testKey32Hex},
	} {
		t.Run(tc.suite, func(t *testing.T) {
			tx := sender(t, tc.suite, tc.key)
			rx := sender(t, tc.suite, tc.key)

			payload := []byte("sixty-millisecond opus frame")
			packet, err := tx.Seal(payload, 1000)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			if bytes.Contains(packet, payload) {
				t.Error("payload visible in ciphertext")
			}

			got, info, err := rx.Open(packet)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("round trip mismatch: %q", got)
			}
			if info.Sequence != 0 || info.Timestamp != 1000 || info.SSRC != testSSRC {
				t.Errorf("unexpected packet info %+v", info)
			}
		})
	}
}

// The keystream must be bound to the negotiated session nonce, not just the
// public header fields: two sessions sharing a key but holding different
// nonces may never decrypt each other's packets.
func TestKeystreamBoundToSessionNonce(t *testing.T) {
	const otherNonceHex = "02000000b1b2b3b40000000000000000"

	for _, tc := range []struct {
		suite string
		key   string
	}{
		{SuiteAESCTR, testKeyHex},
		{SuiteChaCha20, testKey32Hex},
	} {
		t.Run(tc.suite, func(t *testing.T) {
			tx := sender(t, tc.suite, tc.key)

			otherEnc, err := NewEncryptionContext(tc.suite, tc.key, otherNonceHex)
			if err != nil {
				t.Fatalf("encryption context: %v", err)
			}
			rx := NewSecureChannel(otherEnc, testSSRC, testGapTol, Logger.Nop())

			payload := []byte("secret opus frame")
			packet, err := tx.Seal(payload, 1000)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}

			// counter mode has no authentication, so Open cannot detect the
			// mismatch; it must at least never recover the plaintext
			got, _, err := rx.Open(packet)
			if err != nil {
				return
			}
			if bytes.Equal(got, payload) {
				t.Error("packet sealed under a different session nonce decrypted cleanly")
			}
		})
	}
}

func TestSequenceMonotonicAndWindowAdvances(t *testing.T) {
	tx := sender(t, SuiteAESCTR, testKeyHex)
	rx := sender(t, SuiteAESCTR, testKeyHex)

	for i := uint32(0); i < 5; i++ {
		packet, err := tx.Seal([]byte{byte(i)}, i*60)
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		payload, info, err := rx.Open(packet)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if info.Sequence != i {
			t.Errorf("expected sequence %d, got %d", i, info.Sequence)
		}
		if payload[0] != byte(i) {
			t.Errorf("frame %d delivered out of order", i)
		}
		if last, ok := rx.LastAccepted(testSSRC); !ok || last != i {
			t.Errorf("window should sit at %d, got %d", i, last)
		}
	}
}

func TestReplayRejectedWindowUnchanged(t *testing.T) {
	tx := sender(t, SuiteAESCTR, testKeyHex)
	rx := sender(t, SuiteAESCTR, testKeyHex)

	var packets [][]byte
	for i := 0; i < 3; i++ {
		p, err := tx.Seal([]byte("frame"), uint32(i))
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		packets = append(packets, p)
	}
	for _, p := range packets {
		if _, _, err := rx.Open(p); err != nil {
			t.Fatalf("first delivery: %v", err)
		}
	}

	// identical replay and a stale reorder (sequence = last accepted - 1)
	for _, p := range [][]byte{packets[2], packets[1]} {
		payload, _, err := rx.Open(p)
		if !errors.Is(err, ErrReplayRejected) {
			t.Errorf("expected ErrReplayRejected, got %v", err)
		}
		if payload != nil {
			t.Error("rejected packet must not deliver payload")
		}
	}

	if last, _ := rx.LastAccepted(testSSRC); last != 2 {
		t.Errorf("window moved on replay: %d", last)
	}
}

func TestForwardGapAcceptedNeverRejected(t *testing.T) {
	rx := sender(t, SuiteAESCTR, testKeyHex)
	tx := sender(t, SuiteAESCTR, testKeyHex)

	// burn sequences 0..9 on the sender, deliver only 0 and 9
	var kept [][]byte
	for i := 0; i < 10; i++ {
		p, err := tx.Seal([]byte("x"), uint32(i))
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if i == 0 || i == 9 {
			kept = append(kept, p)
		}
	}

	for _, p := range kept {
		if _, _, err := rx.Open(p); err != nil {
			t.Fatalf("gap beyond tolerance must still be accepted: %v", err)
		}
	}
	if last, _ := rx.LastAccepted(testSSRC); last != 9 {
		t.Errorf("window should advance across the gap, got %d", last)
	}
}

func TestMalformedPacketsDoNotTouchWindow(t *testing.T) {
	rx := sender(t, SuiteAESCTR, testKeyHex)
	tx := sender(t, SuiteAESCTR, testKeyHex)

	good, err := tx.Seal([]byte("ok"), 1)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, _, err := rx.Open(good); err != nil {
		t.Fatalf("open: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short packet", func(p []byte) []byte { return p[:8] }},
		{"wrong type", func(p []byte) []byte { p[0] = 0x02; return p }},
		{"nonzero flags", func(p []byte) []byte { p[1] = 0xFF; return p }},
		{"length mismatch", func(p []byte) []byte {
			binary.BigEndian.PutUint16(p[2:4], 999)
			return p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p2, err := tx.Seal([]byte("ok"), 2)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			_, _, err = rx.Open(tt.mutate(append([]byte(nil), p2...)))
			var dErr *DecryptError
			if !errors.As(err, &dErr) {
				t.Errorf("expected DecryptError, got %v", err)
			}
			if last, _ := rx.LastAccepted(testSSRC); last != 0 {
				t.Errorf("window mutated by malformed packet: %d", last)
			}
		})
	}
}

func TestEncryptionContextValidation(t *testing.T) {
	tests := []struct {
		name  string
		suite string
		key   string
		nonce string
	}{
		{"bad key hex", SuiteAESCTR, "zz", testNonceHex},
		{"bad nonce length", SuiteAESCTR, testKeyHex, "0102"},
		{"bad aes key length", SuiteAESCTR, "010203", testNonceHex},
		{"short chacha key", SuiteChaCha20, testKeyHex, testNonceHex},
		{"unknown suite", "rot13", testKeyHex, testNonceHex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEncryptionContext(tt.suite, tt.key, tt.nonce); err == nil {
				t.Error("expected constructor error")
			}
		})
	}
}
