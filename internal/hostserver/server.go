// Package hostserver owns the TLS listener and the per-connection
// handshake that admits a peer into a session, mirroring the teacher's
// internal/server.Server (accept loop, handshake-then-register,
// readiness channel, graceful Shutdown) generalized from a single
// cannellioni TCP handshake to the soft-kvm Hello/Welcome exchange
// (§4.3, §4.4).
package hostserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/softkvm/softkvm/internal/inputrouter"
	"github.com/softkvm/softkvm/internal/kvmerr"
	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/registry"
	"github.com/softkvm/softkvm/internal/session"
	"github.com/softkvm/softkvm/internal/transport"
	"github.com/softkvm/softkvm/internal/wire"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
)

var ErrMaxSessions = errors.New("hostserver: max sessions reached")

// Server accepts TLS clients, performs the application handshake, and
// hands the resulting session to the Registry.
type Server struct {
	mu   sync.RWMutex
	addr string

	tlsConfig   *tls.Config
	registry    *registry.Registry
	router      *inputrouter.Router
	serverName  string
	capabilities protocol.Capabilities

	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	idleSoft          time.Duration
	idleHard          time.Duration
	pingInterval      time.Duration
	maxSessions       int

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error
	listener  net.Listener
	logger    *slog.Logger

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
}

// Option customizes a Server at construction time.
type Option func(*Server)

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithTLSConfig(c *tls.Config) Option { return func(s *Server) { s.tlsConfig = c } }
func WithRegistry(r *registry.Registry) Option { return func(s *Server) { s.registry = r } }
func WithRouter(r *inputrouter.Router) Option { return func(s *Server) { s.router = r } }
func WithServerName(n string) Option { return func(s *Server) { s.serverName = n } }
func WithCapabilities(c protocol.Capabilities) Option { return func(s *Server) { s.capabilities = c } }
func WithMaxSessions(n int) Option { return func(s *Server) { s.maxSessions = n } }
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeatInterval = d }
}
func WithIdleTimeouts(soft, hard time.Duration) Option {
	return func(s *Server) { s.idleSoft, s.idleHard = soft, hard }
}

// WithPingInterval enables the host-side Ping/Pong RTT sampling that feeds
// the streamer's adaptive quality controller (§4.9). The client side never
// sets this; it only answers Pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds a Server from the given options.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors reports a fatal bind failure; callers that need to distinguish
// "still binding" from "will never bind" should select on this alongside
// Ready (§6 CLI exit code 3: network bind failure).
func (s *Server) Errors() <-chan error { return s.errCh }

// Serve binds the TLS listener and accepts peers until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.Addr(), s.tlsConfig)
	if err != nil {
		wrapped := fmt.Errorf("hostserver: listen: %w", err)
		select {
		case s.errCh <- wrapped:
		default:
		}
		return wrapped
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tls_listen", "addr", s.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return fmt.Errorf("hostserver: accept: %w", err)
		}
		s.totalAccepted.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Shutdown closes the listener. Live sessions run their own ctx-driven
// teardown via Registry/Session.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peerAddr := conn.RemoteAddr().String()
	log := s.logger.With("remote", peerAddr)
	start := time.Now()

	hsCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	tr := transport.New(ctx, conn)
	hello, err := s.awaitHello(hsCtx, tr)
	if err != nil {
		metrics.IncHandshakeFailure(string(kvmerr.Classify(err)))
		s.totalHandshakeFail.Add(1)
		log.Warn("handshake_failed", "error", err)
		tr.Close()
		return
	}
	if !protocol.CompareVersions(hello.ProtocolVersion, protocol.ProtocolVersion) {
		s.rejectAndClose(tr, protocol.ErrorCodeVersionMismatch, "protocol version mismatch")
		metrics.IncHandshakeFailure("version_mismatch")
		log.Warn("version_mismatch", "peer_version", hello.ProtocolVersion)
		return
	}
	if s.maxSessions > 0 && s.registry.Count() >= s.maxSessions {
		s.rejectAndClose(tr, protocol.ErrorCodeInternal, "server at capacity")
		log.Warn("session_rejected_max", "max_sessions", s.maxSessions)
		return
	}

	sess := session.New(tr, hello.ClientName,
		session.WithHeartbeatInterval(s.heartbeatInterval),
		session.WithIdleTimeouts(s.idleSoft, s.idleHard),
		session.WithPingInterval(s.pingInterval),
		session.OnMessage(s.onMessage),
	)
	sess.MarkHandshaking()

	welcome := protocol.WelcomePayload{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerName:      s.serverName,
		SessionID:       string(sess.ID),
		Capabilities:    s.capabilities,
	}
	if err := sess.Send(welcome); err != nil {
		log.Warn("welcome_send_failed", "error", err)
		tr.Close()
		return
	}
	sess.MarkActive(protocol.IntersectCapabilities(s.capabilities, hello.Capabilities))
	metrics.ObserveHandshakeDuration(float64(time.Since(start).Milliseconds()))

	peerKey := hello.ClientName
	if peerKey == "" {
		peerKey = peerAddr
	}
	s.registry.Add(peerKey, sess)
	log.Info("session_established", "session", sess.ID, "peer", hello.ClientName)

	err = sess.Run(ctx)
	s.registry.Remove(peerKey, sess)
	log.Info("session_ended", "session", sess.ID, "error", err)
}

// awaitHello waits for the first frame and requires it to be Hello.
func (s *Server) awaitHello(ctx context.Context, tr *transport.Transport) (protocol.HelloPayload, error) {
	select {
	case fr, ok := <-tr.Recv():
		if !ok {
			return protocol.HelloPayload{}, fmt.Errorf("%w: transport closed before hello", kvmerr.ErrHandshake)
		}
		if fr.Header.Type != wire.TypeHello {
			return protocol.HelloPayload{}, fmt.Errorf("%w: first frame type 0x%02X, want Hello", kvmerr.ErrHandshake, byte(fr.Header.Type))
		}
		_, payload, err := protocol.Decode(fr.Header.Type, fr.Payload)
		if err != nil {
			return protocol.HelloPayload{}, fmt.Errorf("%w: %v", kvmerr.ErrHandshake, err)
		}
		hello, ok := payload.(*protocol.HelloPayload)
		if !ok {
			return protocol.HelloPayload{}, fmt.Errorf("%w: unexpected payload type %T", kvmerr.ErrHandshake, payload)
		}
		return *hello, nil
	case <-ctx.Done():
		return protocol.HelloPayload{}, fmt.Errorf("%w: %v", kvmerr.ErrTimeout, ctx.Err())
	}
}

func (s *Server) rejectAndClose(tr *transport.Transport, code protocol.ErrorCode, msg string) {
	typ, raw, _, err := protocol.Encode(protocol.ErrorPayload{Code: code, Message: msg, Fatal: true}, uint64(time.Now().UnixMicro()), "")
	if err == nil {
		_ = tr.Send(typ, raw)
	}
	tr.Close()
}

// onMessage routes InputEvent frames to the injector and ignores every
// other post-Active message type the core does not yet act on (clipboard
// relay, metrics requests: §1 Non-goals, §9 open questions).
func (s *Server) onMessage(sess *session.Session, typ wire.Type, _ protocol.Envelope, payload any) {
	if typ != wire.TypeInputEvent || s.router == nil {
		return
	}
	ev, ok := payload.(*protocol.InputEventPayload)
	if !ok {
		return
	}
	if err := s.router.Route(context.Background(), string(sess.ID), *ev); err != nil {
		logging.L().Warn("input_route_failed", "session", sess.ID, "error", err)
	}
}
