// Package injector defines the input-injection contract shared by every
// backend (Wayland virtual-input protocols, /dev/uinput) and selects a
// concrete implementation at runtime. Real OS backends other than Linux
// are out of scope for the core (§1 Non-goals); this package still keeps
// the interface OS-agnostic so internal/inputrouter never imports a
// platform package directly, the same separation the teacher kept
// between internal/transport's FrameSink interface and its concrete
// serial/SocketCAN writers.
package injector

import "errors"

// ErrUnsupportedPlatform is returned by NewDefault on a platform with no
// wired backend.
var ErrUnsupportedPlatform = errors.New("injector: no input backend available on this platform")

// Injector is the input-injection contract input events are routed
// through (§4.9).
type Injector interface {
	InjectKey(keycode uint32, pressed bool, modifiers uint32) error
	InjectMouseMove(dx, dy int32) error
	InjectMouseButton(button uint32, pressed bool) error
	InjectMouseWheel(dx, dy int32) error
	Close() error
}

// Backend names accepted by NewDefault / config.
const (
	BackendWayland = "wayland"
	BackendUinput  = "uinput"
)
