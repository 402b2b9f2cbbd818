// Package transport turns a byte stream (TLS or plain TCP) into a framed
// message channel pair: a single-writer Send and a single-consumer Recv,
// each backed by the bit-exact internal/wire codec. It owns read/write
// deadlines; it knows nothing about sessions or message semantics (see
// internal/session, internal/protocol). It has no message-size option of
// its own: the only bound is wire.MaxPayloadSize (64 MiB), which
// wire.ReadFrame enforces on incoming frames, and Send does not check
// payload size.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/wire"
)

// ErrClosed is returned by Send/Recv once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

const (
	defaultWriteTimeout = 30 * time.Second
	defaultReadTimeout  = 30 * time.Second
	defaultInboxDepth   = 256
)

// Frame pairs a decoded header with its payload, the unit Recv delivers.
type Frame struct {
	Header  wire.Header
	Payload []byte
}

// Transport owns one net.Conn (plain or *tls.Conn) and funnels writes
// through a single goroutine so Send is safe to call concurrently, while
// reads are drained by exactly one consumer goroutine per the
// single-consumer-per-connection design (§5).
type Transport struct {
	conn         net.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	outboxMu  sync.Mutex
	outboxQ   []Frame
	outboxSig chan struct{}
	inbox     chan Frame

	seq atomic.Uint32

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
	errOnce   sync.Once
	lastErr   error
	errMu     sync.Mutex
}

// Option customizes a Transport at construction time.
type Option func(*Transport)

func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.readTimeout = d
		}
	}
}

func WithInboxDepth(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.inbox = make(chan Frame, n)
		}
	}
}

// New wraps conn and starts its writer and reader goroutines. ctx
// cancellation closes the transport and its underlying connection.
func New(ctx context.Context, conn net.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		readTimeout:  defaultReadTimeout,
		outboxSig:    make(chan struct{}, 1),
		inbox:        make(chan Frame, defaultInboxDepth),
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.closed:
		}
	}()
	return t
}

// Send enqueues payload of the given wire.Type for asynchronous write. The
// outbox is unbounded by design (§4.4, §5): the session state machine must
// never block or drop on send, so any back-pressure lives upstream, at the
// streamer's bounded input queue, not here.
func (t *Transport) Send(typ wire.Type, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	h := wire.Header{
		Type:        typ,
		Seq:         t.seq.Add(1),
		TimestampMs: uint64(time.Now().UnixMilli()),
		PayloadLen:  uint32(len(payload)),
	}
	t.outboxMu.Lock()
	t.outboxQ = append(t.outboxQ, Frame{Header: h, Payload: payload})
	t.outboxMu.Unlock()
	select {
	case t.outboxSig <- struct{}{}:
	default:
	}
	return nil
}

// popOutbox dequeues the next pending frame, if any, under the outbox
// lock. It returns ok=false when the queue is currently empty.
func (t *Transport) popOutbox() (Frame, bool) {
	t.outboxMu.Lock()
	defer t.outboxMu.Unlock()
	if len(t.outboxQ) == 0 {
		return Frame{}, false
	}
	fr := t.outboxQ[0]
	t.outboxQ[0] = Frame{}
	t.outboxQ = t.outboxQ[1:]
	return fr, true
}

// Recv returns the channel of frames read from the peer. The channel is
// closed when the transport is closed or the peer disconnects.
func (t *Transport) Recv() <-chan Frame { return t.inbox }

// Done is closed once the transport has shut down.
func (t *Transport) Done() <-chan struct{} { return t.closed }

// Err returns the error that caused the transport to close, if any.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

func (t *Transport) setErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	if t.lastErr == nil {
		t.lastErr = err
	}
	t.errMu.Unlock()
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		fr, ok := t.popOutbox()
		if !ok {
			select {
			case <-t.outboxSig:
				continue
			case <-t.closed:
				return
			}
		}
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if err := wire.WriteFrame(t.conn, fr.Header, fr.Payload); err != nil {
			t.setErr(fmt.Errorf("transport: write: %w", err))
			metrics.IncError(metrics.ErrTransportWrite)
			t.Close()
			return
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.inbox)
	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		h, payload, err := wire.ReadFrame(t.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.setErr(fmt.Errorf("transport: read: %w", err))
				metrics.IncError(metrics.ErrTransportRead)
			}
			t.Close()
			return
		}
		select {
		case t.inbox <- Frame{Header: h, Payload: payload}:
		case <-t.closed:
			return
		}
	}
}

// Close shuts down the transport and its connection; safe to call more
// than once and from any goroutine.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
}

// RemoteAddr returns the underlying connection's remote address.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
