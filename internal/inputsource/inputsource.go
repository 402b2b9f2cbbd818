// Package inputsource specifies the client-side local-input collaborator
// contract: something that observes this machine's keyboard/mouse and
// yields InputEvent payloads to forward to the host. Real OS-level global
// input hooks (Wayland/X11 grabs, CGEventTap, Windows low-level hooks)
// are out of scope for the core (§1 Non-goals), exactly like the host's
// real screen-capture backends in internal/capture; this package
// specifies the contract plus a synthetic generator for development and
// end-to-end exercise of the client pipeline.
package inputsource

import (
	"context"
	"time"

	"github.com/softkvm/softkvm/internal/protocol"
)

// Source yields local input events to forward to the host.
type Source interface {
	Open(ctx context.Context) error
	Events() <-chan protocol.InputEventPayload
	Close() error
}

// Synthetic emits a slow, deterministic mouse-move sequence, useful for
// exercising the client's send path without a real input hook.
type Synthetic struct {
	Interval time.Duration

	out    chan protocol.InputEventPayload
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynthetic creates a Synthetic source emitting one event per interval.
func NewSynthetic(interval time.Duration) *Synthetic {
	if interval <= 0 {
		interval = time.Second
	}
	return &Synthetic{Interval: interval, out: make(chan protocol.InputEventPayload, 8)}
}

func (s *Synthetic) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Synthetic) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	var x, y int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x, y = x+1, y+1
			ev := protocol.InputEventPayload{
				Kind:        protocol.InputKindMouseMove,
				TimestampUS: uint64(time.Now().UnixMicro()),
				MouseMove:   &protocol.MouseMoveEvent{X: x, Y: y, DX: 1, DY: 1},
			}
			select {
			case s.out <- ev:
			default:
			}
		}
	}
}

func (s *Synthetic) Events() <-chan protocol.InputEventPayload { return s.out }

func (s *Synthetic) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

var _ Source = (*Synthetic)(nil)
