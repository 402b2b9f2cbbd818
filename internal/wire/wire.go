// Package wire implements the bit-exact framing codec: a fixed 17-byte
// header followed by a payload. The codec is oblivious to what the
// payload actually encodes (see internal/protocol for that); it only
// guarantees message-boundary-exact framing on the wire.
//
// Header layout, little-endian:
//
//	type:u8 | seq:u32 | timestamp_ms:u64 | payload_len:u32
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 1 + 4 + 8 + 4

// MaxPayloadSize bounds payload_len; a reader rejects any larger value
// before attempting to allocate or read it.
const MaxPayloadSize = 64 * 1024 * 1024 // 64 MiB

// Type is the closed frame-type enum (§6 wire table).
type Type byte

const (
	// Control (§6 seed table).
	TypeHello     Type = 0x01
	TypeWelcome   Type = 0x02
	TypeHeartbeat Type = 0x03
	TypeGoodbye   Type = 0x04
	// Control, extended (§4.2 taxonomy not covered by the §6 seed table).
	TypePong         Type = 0x05
	TypeAuthRequest  Type = 0x06
	TypeAuthResponse Type = 0x07

	// Data (§6 seed table) plus extended video control.
	TypeVideoFrame  Type = 0x10
	TypeVideoConfig Type = 0x11
	TypeVideoAck    Type = 0x12
	TypeVideoStart  Type = 0x13
	TypeVideoStop   Type = 0x14

	// Data (§6 seed table) plus extended clipboard relay.
	TypeInputEvent Type = 0x20
	TypeInputAck   Type = 0x21
	TypeClipboard  Type = 0x22

	// Discovery-in-band (§4.2).
	TypeServiceAnnouncement Type = 0x30
	TypeServiceQuery        Type = 0x31
	TypeServiceResponse     Type = 0x32

	// Metrics (§4.2).
	TypeMetricsRequest  Type = 0x40
	TypeMetricsResponse Type = 0x41
	TypePing            Type = 0x42
	TypePingAck         Type = 0x43

	// Error (§6 seed table).
	TypeError Type = 0xF0
)

// knownTypes is the closed set; anything else is a framing failure.
var knownTypes = map[Type]struct{}{
	TypeHello: {}, TypeWelcome: {}, TypeHeartbeat: {}, TypeGoodbye: {},
	TypePong: {}, TypeAuthRequest: {}, TypeAuthResponse: {},
	TypeVideoFrame: {}, TypeVideoConfig: {}, TypeVideoAck: {}, TypeVideoStart: {}, TypeVideoStop: {},
	TypeInputEvent: {}, TypeInputAck: {}, TypeClipboard: {},
	TypeServiceAnnouncement: {}, TypeServiceQuery: {}, TypeServiceResponse: {},
	TypeMetricsRequest: {}, TypeMetricsResponse: {}, TypePing: {}, TypePingAck: {},
	TypeError: {},
}

func (t Type) Known() bool { _, ok := knownTypes[t]; return ok }

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeWelcome:
		return "Welcome"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeGoodbye:
		return "Goodbye"
	case TypeVideoFrame:
		return "VideoFrame"
	case TypeVideoConfig:
		return "VideoConfig"
	case TypeVideoAck:
		return "VideoAck"
	case TypeInputEvent:
		return "InputEvent"
	case TypeInputAck:
		return "InputAck"
	case TypePong:
		return "Pong"
	case TypeAuthRequest:
		return "AuthRequest"
	case TypeAuthResponse:
		return "AuthResponse"
	case TypeVideoStart:
		return "VideoStart"
	case TypeVideoStop:
		return "VideoStop"
	case TypeClipboard:
		return "ClipboardData"
	case TypeServiceAnnouncement:
		return "ServiceAnnouncement"
	case TypeServiceQuery:
		return "ServiceQuery"
	case TypeServiceResponse:
		return "ServiceResponse"
	case TypeMetricsRequest:
		return "MetricsRequest"
	case TypeMetricsResponse:
		return "MetricsResponse"
	case TypePing:
		return "Ping"
	case TypePingAck:
		return "PingAck"
	case TypeError:
		return "Error"
	default:
		return fmt.Sprintf("Type(0x%02X)", byte(t))
	}
}

// Header is the fixed 17-byte frame header.
type Header struct {
	Type       Type
	Seq        uint32
	TimestampMs uint64
	PayloadLen uint32
}

var (
	// ErrUnknownType is returned when the header's type byte is outside
	// the closed enum. Fatal for the connection per the framing design.
	ErrUnknownType = errors.New("wire: unknown frame type")
	// ErrPayloadTooLarge is returned when payload_len exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	// ErrTruncated is returned when the reader ends before a full frame
	// (header or payload) could be read.
	ErrTruncated = errors.New("wire: truncated frame")
	// ErrPayloadLenMismatch is returned by WriteFrame when the
	// caller-provided payload disagrees with the header's declared length.
	ErrPayloadLenMismatch = errors.New("wire: payload length mismatch")
)

// EncodeHeader writes the 17-byte header to buf[:HeaderSize]. buf must be
// at least HeaderSize bytes.
func EncodeHeader(h Header, buf []byte) {
	buf[0] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[1:5], h.Seq)
	binary.LittleEndian.PutUint64(buf[5:13], h.TimestampMs)
	binary.LittleEndian.PutUint32(buf[13:17], h.PayloadLen)
}

// DecodeHeader parses HeaderSize bytes into a Header. It does not validate
// Type or PayloadLen; callers should call Header.Validate.
func DecodeHeader(buf []byte) Header {
	return Header{
		Type:        Type(buf[0]),
		Seq:         binary.LittleEndian.Uint32(buf[1:5]),
		TimestampMs: binary.LittleEndian.Uint64(buf[5:13]),
		PayloadLen:  binary.LittleEndian.Uint32(buf[13:17]),
	}
}

// Validate checks the closed type set and the payload-size bound. A
// validation failure is fatal for the connection per the framing design.
func (h Header) Validate() error {
	if !h.Type.Known() {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownType, byte(h.Type))
	}
	if h.PayloadLen > MaxPayloadSize {
		return fmt.Errorf("%w: %d", ErrPayloadTooLarge, h.PayloadLen)
	}
	return nil
}

// WriteFrame writes one frame (header + payload) to w. It returns an error
// if payload's length disagrees with h.PayloadLen — writers must never
// emit a header whose declared length differs from the serialized payload.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	if int(h.PayloadLen) != len(payload) {
		return fmt.Errorf("%w: header says %d, got %d", ErrPayloadLenMismatch, h.PayloadLen, len(payload))
	}
	var hb [HeaderSize]byte
	EncodeHeader(h, hb[:])
	if _, err := w.Write(hb[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads exactly one frame from r: HeaderSize bytes, validates
// them, then reads payload_len bytes. Any shortfall (including plain EOF
// at a frame boundary, which is reported as io.EOF so callers can treat
// clean stream closure specially) is a framing failure.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hb [HeaderSize]byte
	n, err := io.ReadFull(r, hb[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	h := DecodeHeader(hb[:])
	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
		}
	}
	return h, payload, nil
}

// ReadN reads up to max frames (max<=0 means until EOF), invoking onFrame
// for each. It returns the number of frames read and the terminal error
// (which may be io.EOF on a clean boundary).
func ReadN(r io.Reader, max int, onFrame func(Header, []byte)) (int, error) {
	var n int
	for max <= 0 || n < max {
		h, payload, err := ReadFrame(r)
		if err != nil {
			return n, err
		}
		onFrame(h, payload)
		n++
	}
	return n, nil
}
