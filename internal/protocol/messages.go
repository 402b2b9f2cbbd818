// Package protocol defines the message taxonomy exchanged after framing:
// the logical Message envelope and the closed set of typed payload
// structs carried over internal/wire frames. Every payload variant is a
// concrete Go struct — no serde_json::Value-style dynamic payload —
// keeping only ClipboardData as an opaque bytes escape hatch.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/softkvm/softkvm/internal/ids"
	"github.com/softkvm/softkvm/internal/wire"
)

// ProtocolVersion is this build's exact dotted-tuple version string,
// compared byte-for-byte against a peer's Hello/Welcome version.
const ProtocolVersion = "1.0.0"

// Envelope is the logical message header carried inside the CBOR payload
// (the 17-byte wire.Header only carries type/seq/timestamp/length; the
// richer per-message identity lives here).
type Envelope struct {
	MessageID   ids.MessageId `cbor:"1,keyasint"`
	TimestampUS uint64        `cbor:"2,keyasint"`
	SessionID   string        `cbor:"3,keyasint,omitempty"`
	Compressed  bool          `cbor:"4,keyasint"`
}

// Resolution is a (width, height) pair in pixels.
type Resolution struct {
	Width  uint32 `cbor:"1,keyasint"`
	Height uint32 `cbor:"2,keyasint"`
}

// VideoQuality is one point in the ordered quality ladder a peer supports.
type VideoQuality struct {
	FPS              uint32  `cbor:"1,keyasint"`
	BitrateMbps      uint32  `cbor:"2,keyasint"`
	CompressionLevel float32 `cbor:"3,keyasint"`
}

// Capabilities mirrors the data model's Capabilities type (§3).
type Capabilities struct {
	SupportsVideo bool           `cbor:"1,keyasint"`
	SupportsInput bool           `cbor:"2,keyasint"`
	Resolutions   []Resolution   `cbor:"3,keyasint"`
	Qualities     []VideoQuality `cbor:"4,keyasint"`
	MaxClients    uint32         `cbor:"5,keyasint"`
}

// IntersectCapabilities computes the negotiated capability set from two
// advertised sets: booleans AND, resolutions/qualities keep only entries
// both sides offered, and MaxClients takes the lower bound (0 meaning
// "no limit" yields to whichever side actually bounds it). This is the
// set a session stores after Hello/Welcome, not either side's raw
// advertisement (§3, §4.3 capability exchange).
func IntersectCapabilities(a, b Capabilities) Capabilities {
	out := Capabilities{
		SupportsVideo: a.SupportsVideo && b.SupportsVideo,
		SupportsInput: a.SupportsInput && b.SupportsInput,
	}
	for _, ra := range a.Resolutions {
		for _, rb := range b.Resolutions {
			if ra == rb {
				out.Resolutions = append(out.Resolutions, ra)
				break
			}
		}
	}
	for _, qa := range a.Qualities {
		for _, qb := range b.Qualities {
			if qa == qb {
				out.Qualities = append(out.Qualities, qa)
				break
			}
		}
	}
	switch {
	case a.MaxClients == 0:
		out.MaxClients = b.MaxClients
	case b.MaxClients == 0:
		out.MaxClients = a.MaxClients
	case a.MaxClients < b.MaxClients:
		out.MaxClients = a.MaxClients
	default:
		out.MaxClients = b.MaxClients
	}
	return out
}

// HelloPayload opens a connection (client -> server, pre-Welcome).
type HelloPayload struct {
	ProtocolVersion string       `cbor:"1,keyasint"`
	ClientName      string       `cbor:"2,keyasint"`
	Capabilities    Capabilities `cbor:"3,keyasint"`
}

// WelcomePayload admits a connection (server -> client).
type WelcomePayload struct {
	ProtocolVersion string       `cbor:"1,keyasint"`
	ServerName      string       `cbor:"2,keyasint"`
	SessionID       string       `cbor:"3,keyasint"`
	Capabilities    Capabilities `cbor:"4,keyasint"`
}

// HeartbeatPayload carries liveness. Every running Session, host or
// client side, emits it on its heartbeat interval.
type HeartbeatPayload struct {
	Sequence uint64 `cbor:"1,keyasint"`
}

// PongPayload echoes a heartbeat sequence back to its sender.
type PongPayload struct {
	Sequence uint64 `cbor:"1,keyasint"`
}

// GoodbyePayload announces an orderly close with a human-readable reason
// (e.g. "superseded", "heartbeat_failure", client-initiated disconnect).
type GoodbyePayload struct {
	Reason string `cbor:"1,keyasint"`
}

// ErrorCode is the closed set of protocol-level error codes.
type ErrorCode string

const (
	ErrorCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
	ErrorCodeAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrorCodeProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrorCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// ErrorPayload is carried on TypeError frames.
type ErrorPayload struct {
	Code    ErrorCode `cbor:"1,keyasint"`
	Message string    `cbor:"2,keyasint"`
	Fatal   bool      `cbor:"3,keyasint"`
}

// AuthRequestPayload carries an optional client-certificate-derived token
// or a pre-shared secret; the transport layer has already done the TLS
// handshake, this is an additional application-level identity check.
type AuthRequestPayload struct {
	PeerFingerprint string `cbor:"1,keyasint"`
	Token           []byte `cbor:"2,keyasint,omitempty"`
}

// AuthResponsePayload answers an AuthRequest.
type AuthResponsePayload struct {
	Accepted bool   `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint,omitempty"`
}

// VideoStartPayload asks the peer to begin a video stream with the given
// negotiated quality.
type VideoStartPayload struct {
	Resolution Resolution   `cbor:"1,keyasint"`
	Quality    VideoQuality `cbor:"2,keyasint"`
}

// VideoStopPayload asks the peer to stop the active video stream.
type VideoStopPayload struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// VideoFramePayload carries one packetized encoded video frame.
type VideoFramePayload struct {
	FrameNumber uint64 `cbor:"1,keyasint"`
	TimestampUS uint64 `cbor:"2,keyasint"`
	Width       uint32 `cbor:"3,keyasint"`
	Height      uint32 `cbor:"4,keyasint"`
	Codec       string `cbor:"5,keyasint"`
	KeyFrame    bool   `cbor:"6,keyasint"`
	Data        []byte `cbor:"7,keyasint"`
}

// VideoConfigPayload announces the active encoder configuration, sent
// whenever the adaptive quality controller steps fps/bitrate/compression.
type VideoConfigPayload struct {
	Resolution Resolution   `cbor:"1,keyasint"`
	Quality    VideoQuality `cbor:"2,keyasint"`
	Codec      string       `cbor:"3,keyasint"`
}

// VideoAckPayload acknowledges receipt of a video frame. RTT and loss are
// sampled from Ping/PingAck and heartbeats, not from VideoAck.
type VideoAckPayload struct {
	FrameNumber uint64 `cbor:"1,keyasint"`
}

// InputEventKind is the tagged-union discriminant for InputEventPayload.
type InputEventKind uint8

const (
	InputKindKeyboard InputEventKind = iota + 1
	InputKindMouseButton
	InputKindMouseMove
	InputKindMouseWheel
)

// InputEventPayload is a tagged union over the four input event shapes
// (§3 InputEvent). Exactly one of the Keyboard/MouseButton/MouseMove/
// MouseWheel fields is populated, selected by Kind.
type InputEventPayload struct {
	Kind        InputEventKind     `cbor:"1,keyasint"`
	TimestampUS uint64             `cbor:"2,keyasint"`
	Keyboard    *KeyboardEvent     `cbor:"3,keyasint,omitempty"`
	MouseButton *MouseButtonEvent  `cbor:"4,keyasint,omitempty"`
	MouseMove   *MouseMoveEvent    `cbor:"5,keyasint,omitempty"`
	MouseWheel  *MouseWheelEvent   `cbor:"6,keyasint,omitempty"`
}

type KeyboardEvent struct {
	Keycode   uint32 `cbor:"1,keyasint"`
	Pressed   bool   `cbor:"2,keyasint"`
	Modifiers uint32 `cbor:"3,keyasint"`
}

type MouseButtonEvent struct {
	Button  uint32 `cbor:"1,keyasint"`
	Pressed bool   `cbor:"2,keyasint"`
	X       int32  `cbor:"3,keyasint"`
	Y       int32  `cbor:"4,keyasint"`
}

type MouseMoveEvent struct {
	X  int32 `cbor:"1,keyasint"`
	Y  int32 `cbor:"2,keyasint"`
	DX int32 `cbor:"3,keyasint"`
	DY int32 `cbor:"4,keyasint"`
}

type MouseWheelEvent struct {
	DX int32 `cbor:"1,keyasint"`
	DY int32 `cbor:"2,keyasint"`
}

// InputAckPayload acknowledges an injected input event (best-effort).
type InputAckPayload struct {
	Accepted bool `cbor:"1,keyasint"`
}

// ClipboardDataPayload relays an opaque clipboard blob; per design notes
// this is the one deliberate escape hatch to raw bytes.
type ClipboardDataPayload struct {
	MimeType string `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
}

// ServiceAnnouncementPayload is the in-band counterpart to mDNS TXT
// advertisement, used when a peer wants to push its record directly.
type ServiceAnnouncementPayload struct {
	ServiceID    string       `cbor:"1,keyasint"`
	Name         string       `cbor:"2,keyasint"`
	Role         string       `cbor:"3,keyasint"` // "server" | "client"
	Address      string       `cbor:"4,keyasint"`
	Capabilities Capabilities `cbor:"5,keyasint"`
}

// ServiceQueryPayload asks a peer to describe itself.
type ServiceQueryPayload struct{}

// ServiceResponsePayload answers a ServiceQuery.
type ServiceResponsePayload struct {
	Announcement ServiceAnnouncementPayload `cbor:"1,keyasint"`
}

// MetricsRequestPayload asks a peer for a metrics snapshot.
type MetricsRequestPayload struct{}

// MetricsResponsePayload is a compact metrics snapshot.
type MetricsResponsePayload struct {
	FramesSent      uint64  `cbor:"1,keyasint"`
	FramesDropped   uint64  `cbor:"2,keyasint"`
	BytesSent       uint64  `cbor:"3,keyasint"`
	AverageRTTMs    float64 `cbor:"4,keyasint"`
	CurrentFPS      uint32  `cbor:"5,keyasint"`
	CurrentBitrate  uint32  `cbor:"6,keyasint"`
}

// PingPayload samples round-trip latency independent of the heartbeat
// sequence; feeds the adaptive quality controller (§4.9).
type PingPayload struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

// PingAckPayload answers a Ping, echoing its nonce. Kept distinct from
// PongPayload so RTT sampling never overloads heartbeat-miss semantics.
type PingAckPayload struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

// CompareVersions compares two exact dotted-tuple version strings
// ("major.minor.patch"). It returns true only on an exact match — the
// spec mandates exact comparison, not semver compatibility.
func CompareVersions(a, b string) bool { return a == b }

// ParseVersion splits a dotted version string into its integer
// components for diagnostic logging; it does not affect the exact-match
// comparison CompareVersions performs.
func ParseVersion(v string) ([]int, error) {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("protocol: invalid version component %q: %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}

// TypeFor returns the wire.Type a given payload corresponds to. Used by
// the transport layer to pick the frame type byte when sending.
func TypeFor(payload any) (wire.Type, error) {
	switch payload.(type) {
	case HelloPayload, *HelloPayload:
		return wire.TypeHello, nil
	case WelcomePayload, *WelcomePayload:
		return wire.TypeWelcome, nil
	case HeartbeatPayload, *HeartbeatPayload:
		return wire.TypeHeartbeat, nil
	case PongPayload, *PongPayload:
		return wire.TypePong, nil
	case GoodbyePayload, *GoodbyePayload:
		return wire.TypeGoodbye, nil
	case ErrorPayload, *ErrorPayload:
		return wire.TypeError, nil
	case AuthRequestPayload, *AuthRequestPayload:
		return wire.TypeAuthRequest, nil
	case AuthResponsePayload, *AuthResponsePayload:
		return wire.TypeAuthResponse, nil
	case VideoStartPayload, *VideoStartPayload:
		return wire.TypeVideoStart, nil
	case VideoStopPayload, *VideoStopPayload:
		return wire.TypeVideoStop, nil
	case VideoFramePayload, *VideoFramePayload:
		return wire.TypeVideoFrame, nil
	case VideoConfigPayload, *VideoConfigPayload:
		return wire.TypeVideoConfig, nil
	case VideoAckPayload, *VideoAckPayload:
		return wire.TypeVideoAck, nil
	case InputEventPayload, *InputEventPayload:
		return wire.TypeInputEvent, nil
	case InputAckPayload, *InputAckPayload:
		return wire.TypeInputAck, nil
	case ClipboardDataPayload, *ClipboardDataPayload:
		return wire.TypeClipboard, nil
	case ServiceAnnouncementPayload, *ServiceAnnouncementPayload:
		return wire.TypeServiceAnnouncement, nil
	case ServiceQueryPayload, *ServiceQueryPayload:
		return wire.TypeServiceQuery, nil
	case ServiceResponsePayload, *ServiceResponsePayload:
		return wire.TypeServiceResponse, nil
	case MetricsRequestPayload, *MetricsRequestPayload:
		return wire.TypeMetricsRequest, nil
	case MetricsResponsePayload, *MetricsResponsePayload:
		return wire.TypeMetricsResponse, nil
	case PingPayload, *PingPayload:
		return wire.TypePing, nil
	case PingAckPayload, *PingAckPayload:
		return wire.TypePingAck, nil
	default:
		return 0, fmt.Errorf("protocol: no wire type for payload %T", payload)
	}
}

// NewPayload allocates the zero value for a wire.Type so a decoder has
// somewhere to unmarshal into. Returns nil for types with no payload body
// (none currently, but kept for forward compatibility) and an error for
// unknown types.
func NewPayload(t wire.Type) (any, error) {
	switch t {
	case wire.TypeHello:
		return &HelloPayload{}, nil
	case wire.TypeWelcome:
		return &WelcomePayload{}, nil
	case wire.TypeHeartbeat:
		return &HeartbeatPayload{}, nil
	case wire.TypePong:
		return &PongPayload{}, nil
	case wire.TypeGoodbye:
		return &GoodbyePayload{}, nil
	case wire.TypeError:
		return &ErrorPayload{}, nil
	case wire.TypeAuthRequest:
		return &AuthRequestPayload{}, nil
	case wire.TypeAuthResponse:
		return &AuthResponsePayload{}, nil
	case wire.TypeVideoStart:
		return &VideoStartPayload{}, nil
	case wire.TypeVideoStop:
		return &VideoStopPayload{}, nil
	case wire.TypeVideoFrame:
		return &VideoFramePayload{}, nil
	case wire.TypeVideoConfig:
		return &VideoConfigPayload{}, nil
	case wire.TypeVideoAck:
		return &VideoAckPayload{}, nil
	case wire.TypeInputEvent:
		return &InputEventPayload{}, nil
	case wire.TypeInputAck:
		return &InputAckPayload{}, nil
	case wire.TypeClipboard:
		return &ClipboardDataPayload{}, nil
	case wire.TypeServiceAnnouncement:
		return &ServiceAnnouncementPayload{}, nil
	case wire.TypeServiceQuery:
		return &ServiceQueryPayload{}, nil
	case wire.TypeServiceResponse:
		return &ServiceResponsePayload{}, nil
	case wire.TypeMetricsRequest:
		return &MetricsRequestPayload{}, nil
	case wire.TypeMetricsResponse:
		return &MetricsResponsePayload{}, nil
	case wire.TypePing:
		return &PingPayload{}, nil
	case wire.TypePingAck:
		return &PingAckPayload{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown wire type 0x%02X", byte(t))
	}
}
