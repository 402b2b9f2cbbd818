//go:build linux

package injector

import (
	"fmt"
	"sync"

	"github.com/bnema/wayland-virtual-input-go/virtual_keyboard"
	"github.com/bnema/wayland-virtual-input-go/virtual_pointer"

	"github.com/softkvm/softkvm/internal/logging"
)

// WaylandInjector drives zwlr_virtual_pointer_v1 and
// zwp_virtual_keyboard_v1, requiring no /dev/uinput access or root
// privileges on a wlroots-family compositor.
type WaylandInjector struct {
	pointerManager  *virtual_pointer.VirtualPointerManager
	pointer         *virtual_pointer.VirtualPointer
	keyboardManager *virtual_keyboard.VirtualKeyboardManager
	keyboard        *virtual_keyboard.VirtualKeyboard

	mu     sync.Mutex
	closed bool
}

// NewWaylandInjector connects to the running Wayland compositor and
// creates one virtual pointer and one virtual keyboard device.
func NewWaylandInjector() (*WaylandInjector, error) {
	pm, err := virtual_pointer.NewVirtualPointerManager(nil)
	if err != nil {
		return nil, fmt.Errorf("injector: virtual pointer manager: %w", err)
	}
	ptr, err := pm.CreatePointer()
	if err != nil {
		pm.Close()
		return nil, fmt.Errorf("injector: create virtual pointer: %w", err)
	}
	km, err := virtual_keyboard.NewVirtualKeyboardManager(nil)
	if err != nil {
		ptr.Close()
		pm.Close()
		return nil, fmt.Errorf("injector: virtual keyboard manager: %w", err)
	}
	kb, err := km.CreateKeyboard()
	if err != nil {
		km.Close()
		ptr.Close()
		pm.Close()
		return nil, fmt.Errorf("injector: create virtual keyboard: %w", err)
	}
	logging.L().Info("injector_wayland_ready")
	return &WaylandInjector{pointerManager: pm, pointer: ptr, keyboardManager: km, keyboard: kb}, nil
}

func (w *WaylandInjector) InjectKey(keycode uint32, pressed bool, _ uint32) error {
	if pressed {
		return w.keyboard.KeyDownEvdev(int(keycode))
	}
	return w.keyboard.KeyUpEvdev(int(keycode))
}

func (w *WaylandInjector) InjectMouseMove(dx, dy int32) error {
	return w.pointer.MouseMove(dx, dy)
}

func (w *WaylandInjector) InjectMouseButton(button uint32, pressed bool) error {
	if pressed {
		return w.pointer.MouseButtonDown(int(button))
	}
	return w.pointer.MouseButtonUp(int(button))
}

func (w *WaylandInjector) InjectMouseWheel(dx, dy int32) error {
	return w.pointer.MouseWheel(float64(dx), float64(dy))
}

func (w *WaylandInjector) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.keyboard.Close()
	_ = w.keyboardManager.Close()
	_ = w.pointer.Close()
	_ = w.pointerManager.Close()
	return nil
}

var _ Injector = (*WaylandInjector)(nil)
