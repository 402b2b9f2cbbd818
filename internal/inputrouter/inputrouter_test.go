package inputrouter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/softkvm/softkvm/internal/protocol"
)

type fakeInjector struct {
	mu    sync.Mutex
	moves int
	keys  int
}

func (f *fakeInjector) InjectKey(uint32, bool, uint32) error {
	f.mu.Lock()
	f.keys++
	f.mu.Unlock()
	return nil
}
func (f *fakeInjector) InjectMouseMove(int32, int32) error {
	f.mu.Lock()
	f.moves++
	f.mu.Unlock()
	return nil
}
func (f *fakeInjector) InjectMouseButton(uint32, bool) error { return nil }
func (f *fakeInjector) InjectMouseWheel(int32, int32) error  { return nil }
func (f *fakeInjector) Close() error                         { return nil }

func (f *fakeInjector) snapshot() (moves, keys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moves, f.keys
}

func TestRouterRejectsOutOfBoundsMove(t *testing.T) {
	inj := &fakeInjector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(inj, Bounds{Width: 1920, Height: 1080}, nil)

	err := r.Route(ctx, "sess-1", protocol.InputEventPayload{
		Kind:      protocol.InputKindMouseMove,
		MouseMove: &protocol.MouseMoveEvent{X: 5000, Y: 10},
	})
	if err == nil {
		t.Fatalf("expected out-of-bounds move to be rejected")
	}
	time.Sleep(50 * time.Millisecond)
	if moves, _ := inj.snapshot(); moves != 0 {
		t.Fatalf("expected 0 injected moves, got %d", moves)
	}
}

func TestRouterForwardsValidEvents(t *testing.T) {
	inj := &fakeInjector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var activityCalls atomic.Int32
	r := New(inj, Bounds{Width: 1920, Height: 1080}, func(string) { activityCalls.Add(1) })

	if err := r.Route(ctx, "sess-1", protocol.InputEventPayload{
		Kind:      protocol.InputKindMouseMove,
		MouseMove: &protocol.MouseMoveEvent{X: 100, Y: 100, DX: 1, DY: 1},
	}); err != nil {
		t.Fatalf("Route: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if moves, _ := inj.snapshot(); moves == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if moves, _ := inj.snapshot(); moves != 1 {
		t.Fatalf("expected move to be injected, got %d", moves)
	}
	if activityCalls.Load() == 0 {
		t.Fatalf("expected activity callback to fire")
	}
}

func TestRouterRateLimitsPerSession(t *testing.T) {
	limiter := newRateLimiter(5)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.allow() {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed = %d, want 5", allowed)
	}
}
