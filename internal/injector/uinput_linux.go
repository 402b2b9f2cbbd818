//go:build linux

package injector

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/softkvm/softkvm/internal/logging"
)

// Linux input event and uinput ioctl constants (linux/input-event-codes.h,
// linux/uinput.h). golang.org/x/sys/unix does not export these, so they
// are reproduced here the way the teacher reproduced linux/can.h's struct
// can_frame layout by hand in internal/socketcan (raw AF_CAN sockets,
// repurposed here to a /dev/uinput character device).
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02

	synReport = 0

	relX     = 0x00
	relY     = 0x01
	relWheel = 0x08

	btnLeftCode = 0x110

	uiSetEvbit  = 0x40045564
	uiSetKeybit = 0x40045565
	uiSetRelbit = 0x40045566
	uiDevCreate = 0x5501
	uiDevDestroy = 0x5502
	uiDevSetup   = 0x405c5503
)

// uinputSetup mirrors struct uinput_setup from linux/uinput.h.
type uinputSetup struct {
	ID      inputID
	Name    [80]byte
	FFEfMax uint32
}

// inputID mirrors struct input_id.
type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// inputEvent mirrors struct input_event (64-bit time fields, matching
// modern kernels).
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// UinputInjector drives a single virtual keyboard+mouse device created
// through /dev/uinput. Requires access to that device node (typically
// root, or a udev rule granting the running user access).
type UinputInjector struct {
	mu   sync.Mutex
	f    *os.File
	done bool
}

// NewUinputInjector opens /dev/uinput and registers a combined
// keyboard/relative-pointer virtual device.
func NewUinputInjector() (*UinputInjector, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("injector: open /dev/uinput: %w", err)
	}
	u := &UinputInjector{f: f}
	if err := u.setup(); err != nil {
		f.Close()
		return nil, err
	}
	logging.L().Info("injector_uinput_ready")
	return u, nil
}

func (u *UinputInjector) ioctl(req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, u.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (u *UinputInjector) setup() error {
	if err := u.ioctl(uiSetEvbit, evKey); err != nil {
		return fmt.Errorf("injector: UI_SET_EVBIT(EV_KEY): %w", err)
	}
	if err := u.ioctl(uiSetEvbit, evRel); err != nil {
		return fmt.Errorf("injector: UI_SET_EVBIT(EV_REL): %w", err)
	}
	for code := 0; code < 256; code++ {
		if err := u.ioctl(uiSetKeybit, uintptr(code)); err != nil {
			return fmt.Errorf("injector: UI_SET_KEYBIT(%d): %w", code, err)
		}
	}
	for _, code := range []int{btnLeftCode, btnLeftCode + 1, btnLeftCode + 2} {
		if err := u.ioctl(uiSetKeybit, uintptr(code)); err != nil {
			return fmt.Errorf("injector: UI_SET_KEYBIT(btn=%d): %w", code, err)
		}
	}
	for _, code := range []int{relX, relY, relWheel} {
		if err := u.ioctl(uiSetRelbit, uintptr(code)); err != nil {
			return fmt.Errorf("injector: UI_SET_RELBIT(%d): %w", code, err)
		}
	}

	setup := uinputSetup{ID: inputID{BusType: 0x03, Vendor: 0x1234, Product: 0x5678, Version: 1}}
	copy(setup.Name[:], "soft-kvm-virtual-input")
	if err := u.ioctl(uiDevSetup, uintptr(unsafe.Pointer(&setup))); err != nil {
		return fmt.Errorf("injector: UI_DEV_SETUP: %w", err)
	}
	if err := u.ioctl(uiDevCreate, 0); err != nil {
		return fmt.Errorf("injector: UI_DEV_CREATE: %w", err)
	}
	return nil
}

func (u *UinputInjector) write(typ, code uint16, value int32) error {
	now := time.Now()
	ev := inputEvent{
		Sec:   now.Unix(),
		Usec:  int64(now.Nanosecond() / 1000),
		Type:  typ,
		Code:  code,
		Value: value,
	}
	buf := (*[unsafe.Sizeof(inputEvent{})]byte)(unsafe.Pointer(&ev))[:]
	_, err := u.f.Write(buf)
	return err
}

func (u *UinputInjector) sync() error { return u.write(evSyn, synReport, 0) }

func (u *UinputInjector) InjectKey(keycode uint32, pressed bool, _ uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	val := int32(0)
	if pressed {
		val = 1
	}
	if err := u.write(evKey, uint16(keycode), val); err != nil {
		return err
	}
	return u.sync()
}

func (u *UinputInjector) InjectMouseMove(dx, dy int32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.write(evRel, relX, dx); err != nil {
		return err
	}
	if err := u.write(evRel, relY, dy); err != nil {
		return err
	}
	return u.sync()
}

func (u *UinputInjector) InjectMouseButton(button uint32, pressed bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	val := int32(0)
	if pressed {
		val = 1
	}
	if err := u.write(evKey, uint16(btnLeftCode+int(button)), val); err != nil {
		return err
	}
	return u.sync()
}

func (u *UinputInjector) InjectMouseWheel(_, dy int32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.write(evRel, relWheel, dy); err != nil {
		return err
	}
	return u.sync()
}

func (u *UinputInjector) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	_ = u.ioctl(uiDevDestroy, 0)
	return u.f.Close()
}

var _ Injector = (*UinputInjector)(nil)
