// Package clientapp drives the viewer side of one host connection: TLS
// dial with TOFU pinning, the Hello/Welcome handshake, and the steady
// state of receiving VideoFrame messages and forwarding local input,
// wrapped in the same reconnect.Connect backoff loop used throughout the
// client binary. It plays the role the teacher's backend.go / hub_init.go
// pair played server-side, mirrored for the dialer (§4.3, §4.10).
package clientapp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/softkvm/softkvm/internal/inputsource"
	"github.com/softkvm/softkvm/internal/kvmerr"
	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/reconnect"
	"github.com/softkvm/softkvm/internal/session"
	"github.com/softkvm/softkvm/internal/tlscfg"
	"github.com/softkvm/softkvm/internal/transport"
	"github.com/softkvm/softkvm/internal/wire"
)

// VideoSink receives decoded-on-the-wire video frames. A nil sink is
// legal; frames are then dropped (used with -no-video).
type VideoSink interface {
	WriteFrame(protocol.VideoFramePayload) error
}

// WriterSink writes each frame's raw H.264 Annex-B payload to W in
// sequence, suitable for piping into `ffplay -` or a file for offline
// inspection; a real GUI renderer is out of scope for the core (§1).
type WriterSink struct{ W io.Writer }

func (s WriterSink) WriteFrame(f protocol.VideoFramePayload) error {
	_, err := s.W.Write(f.Data)
	return err
}

// Config tunes one Client.
type Config struct {
	ServerAddr     string
	ClientName     string
	ConnectTimeout time.Duration
	Reconnect      reconnect.Config
	DisableVideo   bool
	DisableInput   bool
}

// Client owns one logical connection to a host, including reconnects.
type Client struct {
	cfg    Config
	pins   *tlscfg.PinStore
	sink   VideoSink
	source inputsource.Source
	logger *slog.Logger
}

// New creates a Client dialing cfg.ServerAddr, pinning the host's
// certificate on first connect via pins.
func New(cfg Config, pins *tlscfg.PinStore, sink VideoSink, source inputsource.Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.L()
	}
	return &Client{cfg: cfg, pins: pins, sink: sink, source: source, logger: logger}
}

// Run dials, handshakes, and services one session; on disconnect it
// reconnects per cfg.Reconnect until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess, err := reconnect.Connect(ctx, c.cfg.Reconnect, c.dialAndHandshake)
		if err != nil {
			return fmt.Errorf("clientapp: %w", err)
		}
		runErr := sess.Run(ctx)
		c.logger.Warn("session_ended", "error", runErr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) dialAndHandshake(ctx context.Context) (*session.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := tls.Dialer{Config: tlscfg.ClientConfig(c.cfg.ServerAddr, c.pins)}
	conn, err := dialer.DialContext(dialCtx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", kvmerr.ErrNetwork, c.cfg.ServerAddr, err)
	}

	tr := transport.New(ctx, conn)
	hello := protocol.HelloPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientName:      c.cfg.ClientName,
		Capabilities: protocol.Capabilities{
			SupportsVideo: !c.cfg.DisableVideo,
			SupportsInput: !c.cfg.DisableInput,
			MaxClients:    1,
		},
	}
	typ, raw, _, err := protocol.Encode(hello, uint64(time.Now().UnixMicro()), "")
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: encode hello: %v", kvmerr.ErrSerialization, err)
	}
	if err := tr.Send(typ, raw); err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: send hello: %v", kvmerr.ErrHandshake, err)
	}

	welcome, err := c.awaitWelcome(dialCtx, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	if !protocol.CompareVersions(welcome.ProtocolVersion, protocol.ProtocolVersion) {
		tr.Close()
		return nil, fmt.Errorf("%w: server protocol version %q", kvmerr.ErrVersionMismatch, welcome.ProtocolVersion)
	}

	sess := session.New(tr, welcome.ServerName, session.OnMessage(c.onMessage))
	sess.MarkHandshaking()
	sess.MarkActive(welcome.Capabilities)
	c.logger.Info("session_established", "server", welcome.ServerName, "server_session_id", welcome.SessionID)

	if c.source != nil && !c.cfg.DisableInput {
		if err := c.source.Open(ctx); err != nil {
			c.logger.Warn("input_source_open_failed", "error", err)
		} else {
			go c.pumpInput(ctx, sess)
		}
	}
	return sess, nil
}

func (c *Client) awaitWelcome(ctx context.Context, tr *transport.Transport) (protocol.WelcomePayload, error) {
	select {
	case fr, ok := <-tr.Recv():
		if !ok {
			return protocol.WelcomePayload{}, fmt.Errorf("%w: transport closed before welcome", kvmerr.ErrHandshake)
		}
		if fr.Header.Type == wire.TypeError {
			_, payload, _ := protocol.Decode(fr.Header.Type, fr.Payload)
			if ep, ok := payload.(*protocol.ErrorPayload); ok {
				return protocol.WelcomePayload{}, fmt.Errorf("%w: %s: %s", kvmerr.ErrHandshake, ep.Code, ep.Message)
			}
			return protocol.WelcomePayload{}, fmt.Errorf("%w: server rejected hello", kvmerr.ErrHandshake)
		}
		if fr.Header.Type != wire.TypeWelcome {
			return protocol.WelcomePayload{}, fmt.Errorf("%w: frame type 0x%02X, want Welcome", kvmerr.ErrHandshake, byte(fr.Header.Type))
		}
		_, payload, err := protocol.Decode(fr.Header.Type, fr.Payload)
		if err != nil {
			return protocol.WelcomePayload{}, fmt.Errorf("%w: %v", kvmerr.ErrHandshake, err)
		}
		welcome, ok := payload.(*protocol.WelcomePayload)
		if !ok {
			return protocol.WelcomePayload{}, fmt.Errorf("%w: unexpected payload %T", kvmerr.ErrHandshake, payload)
		}
		return *welcome, nil
	case <-ctx.Done():
		return protocol.WelcomePayload{}, fmt.Errorf("%w: %v", kvmerr.ErrTimeout, ctx.Err())
	}
}

func (c *Client) pumpInput(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.source.Events():
			if !ok {
				return
			}
			if err := sess.Send(ev); err != nil {
				c.logger.Warn("input_send_failed", "error", err)
			}
		}
	}
}

func (c *Client) onMessage(sess *session.Session, typ wire.Type, _ protocol.Envelope, payload any) {
	switch typ {
	case wire.TypeVideoFrame:
		if c.sink == nil || c.cfg.DisableVideo {
			return
		}
		frame, ok := payload.(*protocol.VideoFramePayload)
		if !ok {
			return
		}
		if err := c.sink.WriteFrame(*frame); err != nil {
			c.logger.Warn("video_sink_write_failed", "error", err)
		}
	case wire.TypeGoodbye:
		goodbye, ok := payload.(*protocol.GoodbyePayload)
		if ok {
			c.logger.Info("server_goodbye", "reason", goodbye.Reason)
		}
	}
}
