//go:build linux

package injector

import "fmt"

// NewDefault constructs the requested backend ("wayland" or "uinput").
func NewDefault(backend string) (Injector, error) {
	switch backend {
	case BackendWayland, "":
		return NewWaylandInjector()
	case BackendUinput:
		return NewUinputInjector()
	default:
		return nil, fmt.Errorf("injector: unknown backend %q", backend)
	}
}
