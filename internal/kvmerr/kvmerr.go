// Package kvmerr defines the closed set of error kinds used across the
// core and a classifier that maps wrapped sentinel errors to a stable
// metric/log label, mirroring the shape of a gateway's error taxonomy.
package kvmerr

import "errors"

// Kind is the closed error taxonomy from the error handling design.
type Kind string

const (
	KindIO              Kind = "io"
	KindSerialization   Kind = "serialization"
	KindTransport       Kind = "transport"
	KindSecureStream    Kind = "secure_stream"
	KindHandshake       Kind = "handshake"
	KindVersionMismatch Kind = "version_mismatch"
	KindAuthentication  Kind = "authentication"
	KindSession         Kind = "session"
	KindTimeout         Kind = "timeout"
	KindInvalidMessage  Kind = "invalid_message"
	KindPermission      Kind = "permission_denied"
	KindConfig          Kind = "config"
	KindVideo           Kind = "video"
	KindInput           Kind = "input"
	KindNetwork         Kind = "network"
	KindPlatform        Kind = "platform"
	KindUnknown         Kind = "unknown"
)

// Sentinel errors. Subsystems wrap these with fmt.Errorf("%w: %v", ...);
// callers classify with errors.Is / Classify.
var (
	ErrIO              = errors.New("io")
	ErrSerialization   = errors.New("serialization")
	ErrTransport       = errors.New("transport")
	ErrSecureStream    = errors.New("secure_stream")
	ErrHandshake       = errors.New("handshake")
	ErrVersionMismatch = errors.New("version_mismatch")
	ErrAuthentication  = errors.New("authentication")
	ErrSession         = errors.New("session")
	ErrTimeout         = errors.New("timeout")
	ErrInvalidMessage  = errors.New("invalid_message")
	ErrPermission      = errors.New("permission_denied")
	ErrConfig          = errors.New("config")
	ErrVideo           = errors.New("video")
	ErrInput           = errors.New("input")
	ErrNetwork         = errors.New("network")
	ErrPlatform        = errors.New("platform")
)

// Classify maps a wrapped error to its Kind via errors.Is, falling back to
// KindUnknown. Order matters only where a caller wraps more than one
// sentinel into the same error chain, which subsystems in this module do
// not do.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIO):
		return KindIO
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrSecureStream):
		return KindSecureStream
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrHandshake):
		return KindHandshake
	case errors.Is(err, ErrVersionMismatch):
		return KindVersionMismatch
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrSession):
		return KindSession
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrInvalidMessage):
		return KindInvalidMessage
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrVideo):
		return KindVideo
	case errors.Is(err, ErrInput):
		return KindInput
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrPlatform):
		return KindPlatform
	default:
		return KindUnknown
	}
}
