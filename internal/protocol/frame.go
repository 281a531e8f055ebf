package protocol

import (
	"encoding/binary"
)

// Frame layout versions. The version is fixed for a session and must match the
// remote; there is no cross-version compatibility inside one session.
const (
	FrameVersionRaw     = 1 // no envelope, payload is the audio bytes
	FrameVersionFull    = 2 // 16-byte header with timestamp
	FrameVersionCompact = 3 // 4-byte header
)

// Frame payload types.
const (
	FrameAudio uint16 = 0
	FrameJSON  uint16 = 1
)

const (
	fullHeaderSize    = 16
	compactHeaderSize = 4
)

// Frame is one decoded audio-channel envelope.
type Frame struct {
	Type      uint16
	Timestamp uint32 // only meaningful for FrameVersionFull
	Payload   []byte
}

// EncodeFrame serializes a frame for the given layout version. For the raw
// layout the payload goes out untouched.
func EncodeFrame(version int, f *Frame) ([]byte, error) {
	switch version {
	case FrameVersionRaw:
		return f.Payload, nil

	case FrameVersionFull:
		buf := make([]byte, fullHeaderSize+len(f.Payload))
		binary.BigEndian.PutUint16(buf[0:2], uint16(version))
		binary.BigEndian.PutUint16(buf[2:4], f.Type)
		// buf[4:8] reserved, zero
		binary.BigEndian.PutUint32(buf[8:12], f.Timestamp)
		binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
		copy(buf[fullHeaderSize:], f.Payload)
		return buf, nil

	case FrameVersionCompact:
		if len(f.Payload) > 0xFFFF {
			return nil, &FrameError{Reason: "payload too large for compact header"}
		}
		buf := make([]byte, compactHeaderSize+len(f.Payload))
		buf[0] = uint8(f.Type)
		// buf[1] reserved, zero
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
		copy(buf[compactHeaderSize:], f.Payload)
		return buf, nil
	}
	return nil, &FrameError{Reason: "unknown layout version"}
}

// DecodeFrame parses one wire packet for the given layout version. Fails with
// a FrameError when the declared payload size overruns the buffer or the type
// field is outside {audio, json}.
func DecodeFrame(version int, data []byte) (*Frame, error) {
	switch version {
	case FrameVersionRaw:
		return &Frame{Type: FrameAudio, Payload: data}, nil

	case FrameVersionFull:
		if len(data) < fullHeaderSize {
			return nil, &FrameError{Reason: "short header"}
		}
		typ := binary.BigEndian.Uint16(data[2:4])
		if typ != FrameAudio && typ != FrameJSON {
			return nil, &FrameError{Reason: "unknown frame type"}
		}
		size := binary.BigEndian.Uint32(data[12:16])
		if size > uint32(len(data)-fullHeaderSize) {
			return nil, &FrameError{Reason: "payload size overruns buffer"}
		}
		return &Frame{
			Type:      typ,
			Timestamp: binary.BigEndian.Uint32(data[8:12]),
			Payload:   data[fullHeaderSize : fullHeaderSize+size],
		}, nil

	case FrameVersionCompact:
		if len(data) < compactHeaderSize {
			return nil, &FrameError{Reason: "short header"}
		}
		typ := uint16(data[0])
		if typ != FrameAudio && typ != FrameJSON {
			return nil, &FrameError{Reason: "unknown frame type"}
		}
		size := binary.BigEndian.Uint16(data[2:4])
		if int(size) > len(data)-compactHeaderSize {
			return nil, &FrameError{Reason: "payload size overruns buffer"}
		}
		return &Frame{
			Type:    typ,
			Payload: data[compactHeaderSize : compactHeaderSize+int(size)],
		}, nil
	}
	return nil, &FrameError{Reason: "unknown layout version"}
}
