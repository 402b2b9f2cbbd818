// Package session implements the per-connection state machine
// (Connecting -> Handshaking -> Active <-> Suspended -> Closing ->
// Closed), heartbeat-based liveness detection, and the pre-Active
// message gate described for peer connections. It is grounded on the
// reader/writer goroutine pairing and Client bookkeeping the teacher
// repo used for each TCP client (internal/server, internal/hub), gen-
// eralized from "one client, one frame channel" to "one peer, one
// typed message stream with a lifecycle".
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/softkvm/softkvm/internal/ids"
	"github.com/softkvm/softkvm/internal/kvmerr"
	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/transport"
	"github.com/softkvm/softkvm/internal/wire"
)

// State is one node of the session lifecycle (§4.4).
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateSuspended
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultMissedHeartbeats  = 3
	defaultIdleSoftTimeout   = 5 * time.Second
	defaultIdleHardTimeout   = 300 * time.Second
)

// preActiveAllowed is the auth gate: only these message types may be
// processed before the session reaches Active (§4.4, §7).
var preActiveAllowed = map[wire.Type]struct{}{
	wire.TypeHello:        {},
	wire.TypeWelcome:      {},
	wire.TypeAuthRequest:  {},
	wire.TypeAuthResponse: {},
	wire.TypeGoodbye:      {},
	wire.TypeError:        {},
}

// Session wraps one peer connection's framed transport with protocol
// semantics: message dispatch, heartbeat liveness, idle timers, and the
// Active/Suspended/Closing/Closed lifecycle.
type Session struct {
	ID       ids.SessionId
	PeerName string

	tr *transport.Transport

	state atomic.Int32

	capsMu sync.RWMutex
	caps   protocol.Capabilities

	lastActivity atomic.Int64 // unix nanos
	heartbeatSeq atomic.Uint32
	missed       atomic.Int32

	heartbeatInterval time.Duration
	idleSoftTimeout   time.Duration
	idleHardTimeout   time.Duration
	pingInterval      time.Duration

	pingSeq      atomic.Uint64
	pingMu       sync.Mutex
	pendingPings map[uint64]time.Time
	rttMillis    float64

	onMessage    func(*Session, wire.Type, protocol.Envelope, any)
	onStateChange func(*Session, State, State)
	onClose      func(*Session, error)

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
}

// Option customizes a Session at construction time.
type Option func(*Session)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

func WithIdleTimeouts(soft, hard time.Duration) Option {
	return func(s *Session) {
		if soft > 0 {
			s.idleSoftTimeout = soft
		}
		if hard > 0 {
			s.idleHardTimeout = hard
		}
	}
}

// WithPingInterval enables periodic Ping/Pong RTT sampling (§4.9's
// "recent average round-trip" input to the adaptive quality controller).
// Zero (the default) disables it — only the side that needs the sample
// (the host, to drive the streamer) should set this.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// OnMessage registers the callback invoked for every decoded message once
// it has cleared the pre-Active gate.
func OnMessage(fn func(*Session, wire.Type, protocol.Envelope, any)) Option {
	return func(s *Session) { s.onMessage = fn }
}

// OnStateChange registers a callback invoked on every state transition.
func OnStateChange(fn func(*Session, State, State)) Option {
	return func(s *Session) { s.onStateChange = fn }
}

// OnClose registers a callback invoked once the session's run loop exits.
func OnClose(fn func(*Session, error)) Option {
	return func(s *Session) { s.onClose = fn }
}

// New creates a Session wrapping tr, in the Connecting state.
func New(tr *transport.Transport, peerName string, opts ...Option) *Session {
	s := &Session{
		ID:                ids.NewSessionId(),
		PeerName:          peerName,
		tr:                tr,
		heartbeatInterval: defaultHeartbeatInterval,
		idleSoftTimeout:   defaultIdleSoftTimeout,
		idleHardTimeout:   defaultIdleHardTimeout,
		closed:            make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	logging.L().Info("session_state_change", "session", s.ID, "peer", s.PeerName, "from", prev, "to", next)
	if s.onStateChange != nil {
		s.onStateChange(s, prev, next)
	}
}

// MarkHandshaking transitions Connecting -> Handshaking.
func (s *Session) MarkHandshaking() { s.setState(StateHandshaking) }

// MarkActive transitions into Active, clears the auth gate, and resets
// heartbeat-miss bookkeeping (§4.4).
func (s *Session) MarkActive(caps protocol.Capabilities) {
	s.capsMu.Lock()
	s.caps = caps
	s.capsMu.Unlock()
	s.missed.Store(0)
	s.setState(StateActive)
	metrics.IncSessionEstablished()
}

// MarkSuspended transitions Active -> Suspended. checkIdle calls it once
// no message has been received or sent for the idle-soft timeout.
func (s *Session) MarkSuspended() { s.setState(StateSuspended) }

// Resume transitions Suspended -> Active.
func (s *Session) Resume() { s.setState(StateActive) }

// Capabilities returns the capability set negotiated at Welcome time.
func (s *Session) Capabilities() protocol.Capabilities {
	s.capsMu.RLock()
	defer s.capsMu.RUnlock()
	return s.caps
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last message received or sent.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send encodes payload and writes it to the transport, bumping
// last-activity. Send does not check the session state; the pre-Active
// gate applies to received messages only (see dispatch).
func (s *Session) Send(payload any) error {
	typ, raw, _, err := protocol.Encode(payload, uint64(time.Now().UnixMicro()), string(s.ID))
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.tr.Send(typ, raw); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	s.touch()
	return nil
}

// Run drives the session's receive loop, heartbeat ticker, and idle
// timers until the transport closes or ctx is cancelled. It returns the
// terminal error, if any (nil on a clean Goodbye-initiated close).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	idleCheck := time.NewTicker(s.idleSoftTimeout / 2)
	defer idleCheck.Stop()

	var pingC <-chan time.Time
	if s.pingInterval > 0 {
		pingTicker := time.NewTicker(s.pingInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	var runErr error
loop:
	for {
		select {
		case fr, ok := <-s.tr.Recv():
			if !ok {
				runErr = s.tr.Err()
				break loop
			}
			if err := s.dispatch(fr); err != nil {
				logging.L().Warn("session_dispatch_error", "session", s.ID, "error", err)
				metrics.IncMalformed()
			}
		case <-heartbeat.C:
			s.sendHeartbeat()
		case <-pingC:
			if err := s.sendPing(); err != nil {
				logging.L().Warn("session_ping_send_failed", "session", s.ID, "error", err)
			}
		case <-idleCheck.C:
			if s.checkIdle() {
				runErr = kvmerr.ErrTimeout
				break loop
			}
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-s.closed:
			break loop
		}
	}
	s.close(runErr)
	return runErr
}

func (s *Session) dispatch(fr transport.Frame) error {
	env, payload, err := protocol.Decode(fr.Header.Type, fr.Payload)
	if err != nil {
		return err
	}
	s.touch()
	if s.State() == StateSuspended {
		s.Resume()
	}

	if s.State() != StateActive {
		if _, ok := preActiveAllowed[fr.Header.Type]; !ok {
			return fmt.Errorf("%w: %s before Active", kvmerr.ErrAuthentication, fr.Header.Type)
		}
	}

	switch fr.Header.Type {
	case wire.TypePong:
		s.missed.Store(0)
	case wire.TypeHeartbeat:
		if hb, ok := payload.(*protocol.HeartbeatPayload); ok {
			if err := s.Send(protocol.PongPayload{Sequence: hb.Sequence}); err != nil {
				logging.L().Warn("session_pong_send_failed", "session", s.ID, "error", err)
			}
		}
	case wire.TypePing:
		if ping, ok := payload.(*protocol.PingPayload); ok {
			if err := s.Send(protocol.PingAckPayload{Nonce: ping.Nonce}); err != nil {
				logging.L().Warn("session_pingack_send_failed", "session", s.ID, "error", err)
			}
		}
	case wire.TypePingAck:
		if ack, ok := payload.(*protocol.PingAckPayload); ok {
			s.recordPingAck(ack.Nonce)
		}
	case wire.TypeGoodbye:
		s.setState(StateClosing)
	}

	if s.onMessage != nil {
		s.onMessage(s, fr.Header.Type, env, payload)
	}
	return nil
}

func (s *Session) sendHeartbeat() {
	seq := s.heartbeatSeq.Add(1)
	if s.missed.Load() >= defaultMissedHeartbeats {
		logging.L().Warn("session_heartbeat_missed_limit", "session", s.ID, "missed", s.missed.Load())
		s.cancel()
		return
	}
	s.missed.Add(1)
	if err := s.Send(protocol.HeartbeatPayload{Sequence: seq}); err != nil {
		logging.L().Warn("session_heartbeat_send_failed", "session", s.ID, "error", err)
	}
}

// sendPing emits a Ping carrying a fresh nonce and records its send time so
// recordPingAck can compute a round trip once the peer echoes it back.
func (s *Session) sendPing() error {
	nonce := s.pingSeq.Add(1)
	s.pingMu.Lock()
	if s.pendingPings == nil {
		s.pendingPings = make(map[uint64]time.Time)
	}
	s.pendingPings[nonce] = time.Now()
	s.pingMu.Unlock()
	return s.Send(protocol.PingPayload{Nonce: nonce})
}

// recordPingAck resolves a pending ping by nonce and folds the observed
// round trip into an exponentially-weighted average (§4.9 "recent average
// round-trip"). Acks for unknown or already-resolved nonces are ignored.
func (s *Session) recordPingAck(nonce uint64) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	sent, ok := s.pendingPings[nonce]
	if !ok {
		return
	}
	delete(s.pendingPings, nonce)
	sample := float64(time.Since(sent)) / float64(time.Millisecond)
	const ewmaWeight = 0.3
	if s.rttMillis == 0 {
		s.rttMillis = sample
	} else {
		s.rttMillis = ewmaWeight*sample + (1-ewmaWeight)*s.rttMillis
	}
}

// RTTMillis returns the most recent EWMA-smoothed round-trip estimate.
// Zero until the first Ping/PingAck round completes.
func (s *Session) RTTMillis() float64 {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	return s.rttMillis
}

// LossFraction approximates packet loss from the heartbeat pong gap: the
// fraction of the last defaultMissedHeartbeats heartbeats that went
// unanswered (§4.9's "heartbeat pong gap" loss proxy).
func (s *Session) LossFraction() float64 {
	missed := s.missed.Load()
	if missed <= 0 {
		return 0
	}
	if int(missed) > defaultMissedHeartbeats {
		return 1
	}
	return float64(missed) / float64(defaultMissedHeartbeats)
}

// checkIdle enforces the soft (Suspended) and hard (Closing) idle
// thresholds (§4.4, §5).
func (s *Session) checkIdle() bool {
	idle := time.Since(s.LastActivity())
	if idle >= s.idleHardTimeout {
		return true
	}
	if idle >= s.idleSoftTimeout && s.State() == StateActive {
		s.MarkSuspended()
	}
	return false
}

func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		s.tr.Close()
		if cause == kvmerr.ErrTimeout || s.missed.Load() >= defaultMissedHeartbeats {
			metrics.IncSessionTimedOut()
		}
		if s.onClose != nil {
			s.onClose(s, cause)
		}
	})
}

// Close initiates an orderly shutdown of the session's run loop.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	} else {
		s.close(nil)
	}
}
