// Package inputrouter validates incoming input events, rate-limits them
// per session, and forwards accepted events to the injector. Each
// session gets its own bounded queue and worker goroutine, the same
// per-client-channel shape the teacher used for outbound CAN frames
// (internal/hub.Client.Out); here the channel carries validated input
// events inbound to a single shared injector instead of outbound frames
// to many clients (§4.9, §5).
package inputrouter

import (
	"context"
	"sync"
	"time"

	"github.com/softkvm/softkvm/internal/injector"
	"github.com/softkvm/softkvm/internal/kvmerr"
	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/protocol"
)

const (
	defaultQueueDepth  = 256
	defaultRateLimitHz = 1000
)

// Bounds describes the screen the injector targets, used to reject
// out-of-range absolute coordinates (§4.9).
type Bounds struct {
	Width  int32
	Height int32
}

func (b Bounds) contains(x, y int32) bool {
	return x >= 0 && y >= 0 && x < b.Width && y < b.Height
}

// sessionQueue is the per-session input pipeline: a bounded, drop-newest
// channel plus the worker goroutine draining it into the shared injector.
type sessionQueue struct {
	ch      chan protocol.InputEventPayload
	limiter *rateLimiter
}

// Router validates, rate-limits, and forwards input events to a shared
// Injector, and reports each injected event to the optional onActivity
// callback passed to New (§4.4, §4.9).
type Router struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
	inj    injector.Injector
	bounds Bounds

	onActivity func(sessionID string)
}

// New creates a Router forwarding accepted events to inj, bounded by
// screen.
func New(inj injector.Injector, bounds Bounds, onActivity func(sessionID string)) *Router {
	return &Router{
		queues:     make(map[string]*sessionQueue),
		inj:        inj,
		bounds:     bounds,
		onActivity: onActivity,
	}
}

// Route validates ev for sessionID and enqueues it on that session's
// worker, starting the worker on first use. It never blocks: a full
// queue drops the newest event and increments a metric (§4.9, §5).
func (r *Router) Route(ctx context.Context, sessionID string, ev protocol.InputEventPayload) error {
	if err := r.validate(ev); err != nil {
		metrics.IncInputRejected()
		return err
	}
	q := r.queueFor(ctx, sessionID)
	if !q.limiter.allow() {
		metrics.IncInputDropped()
		return nil
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		metrics.IncInputDropped()
		return nil
	}
}

func (r *Router) validate(ev protocol.InputEventPayload) error {
	switch ev.Kind {
	case protocol.InputKindMouseMove:
		if ev.MouseMove == nil {
			return kvmerr.ErrInvalidMessage
		}
		if !r.bounds.contains(ev.MouseMove.X, ev.MouseMove.Y) {
			return kvmerr.ErrInvalidMessage
		}
	case protocol.InputKindMouseButton:
		if ev.MouseButton == nil || !r.bounds.contains(ev.MouseButton.X, ev.MouseButton.Y) {
			return kvmerr.ErrInvalidMessage
		}
	case protocol.InputKindKeyboard:
		if ev.Keyboard == nil {
			return kvmerr.ErrInvalidMessage
		}
	case protocol.InputKindMouseWheel:
		if ev.MouseWheel == nil {
			return kvmerr.ErrInvalidMessage
		}
	default:
		return kvmerr.ErrInvalidMessage
	}
	return nil
}

func (r *Router) queueFor(ctx context.Context, sessionID string) *sessionQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[sessionID]; ok {
		return q
	}
	q := &sessionQueue{
		ch:      make(chan protocol.InputEventPayload, defaultQueueDepth),
		limiter: newRateLimiter(defaultRateLimitHz),
	}
	r.queues[sessionID] = q
	go r.worker(ctx, sessionID, q)
	return q
}

func (r *Router) worker(ctx context.Context, sessionID string, q *sessionQueue) {
	for {
		select {
		case ev := <-q.ch:
			if err := r.inject(ev); err != nil {
				logging.L().Warn("inputrouter_inject_failed", "session", sessionID, "error", err)
				metrics.IncError(metrics.ErrInputInject)
				continue
			}
			metrics.IncInputRouted()
			if r.onActivity != nil {
				r.onActivity(sessionID)
			}
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.queues, sessionID)
			r.mu.Unlock()
			return
		}
	}
}

func (r *Router) inject(ev protocol.InputEventPayload) error {
	switch ev.Kind {
	case protocol.InputKindKeyboard:
		return r.inj.InjectKey(ev.Keyboard.Keycode, ev.Keyboard.Pressed, ev.Keyboard.Modifiers)
	case protocol.InputKindMouseMove:
		return r.inj.InjectMouseMove(ev.MouseMove.DX, ev.MouseMove.DY)
	case protocol.InputKindMouseButton:
		return r.inj.InjectMouseButton(ev.MouseButton.Button, ev.MouseButton.Pressed)
	case protocol.InputKindMouseWheel:
		return r.inj.InjectMouseWheel(ev.MouseWheel.DX, ev.MouseWheel.DY)
	default:
		return kvmerr.ErrInvalidMessage
	}
}

// rateLimiter is a simple fixed-window token bucket capping events per
// second per session (§4.9).
type rateLimiter struct {
	mu        sync.Mutex
	ratePerS  int
	windowEnd time.Time
	count     int
}

func newRateLimiter(ratePerS int) *rateLimiter {
	return &rateLimiter{ratePerS: ratePerS, windowEnd: time.Now().Add(time.Second)}
}

func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.After(l.windowEnd) {
		l.windowEnd = now.Add(time.Second)
		l.count = 0
	}
	if l.count >= l.ratePerS {
		return false
	}
	l.count++
	return true
}
