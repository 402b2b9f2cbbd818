package hostserver

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/softkvm/softkvm/internal/inputrouter"
	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/registry"
	"github.com/softkvm/softkvm/internal/tlscfg"
	"github.com/softkvm/softkvm/internal/transport"
	"github.com/softkvm/softkvm/internal/wire"
)

// TestSmokeServerHandshake starts the TLS server on an ephemeral port and
// performs the Hello/Welcome exchange end to end.
func TestSmokeServerHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := tlscfg.GenerateHostIdentity("test-host", time.Hour)
	if err != nil {
		t.Fatalf("GenerateHostIdentity: %v", err)
	}

	reg := registry.New()
	defer reg.Close()
	router := inputrouter.New(nil, inputrouter.Bounds{Width: 1920, Height: 1080}, nil)

	srv := NewServer(
		WithListenAddr(":0"),
		WithTLSConfig(tlscfg.ServerConfig(identity)),
		WithRegistry(reg),
		WithRouter(router),
		WithServerName("test-server"),
		WithCapabilities(protocol.Capabilities{SupportsVideo: true, SupportsInput: true, MaxClients: 1}),
		WithHandshakeTimeout(2*time.Second),
		WithHeartbeatInterval(time.Second),
		WithIdleTimeouts(time.Minute, 5*time.Minute),
	)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}

	pins := tlscfg.NewPinStore()
	clientTLS := tlscfg.ClientConfig("test-server-peer", pins)
	conn, err := tls.Dial("tcp", srv.Addr(), clientTLS)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()

	tr := transport.New(ctx, conn)
	defer tr.Close()

	hello := protocol.HelloPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientName:      "test-client",
		Capabilities:    protocol.Capabilities{SupportsVideo: true, SupportsInput: true},
	}
	typ, raw, _, err := protocol.Encode(hello, 0, "")
	if err != nil {
		t.Fatalf("Encode Hello: %v", err)
	}
	if err := tr.Send(typ, raw); err != nil {
		t.Fatalf("Send Hello: %v", err)
	}

	select {
	case fr, ok := <-tr.Recv():
		if !ok {
			t.Fatalf("transport closed before Welcome")
		}
		if fr.Header.Type != wire.TypeWelcome {
			t.Fatalf("frame type = 0x%02X, want Welcome", byte(fr.Header.Type))
		}
		_, payload, err := protocol.Decode(fr.Header.Type, fr.Payload)
		if err != nil {
			t.Fatalf("Decode Welcome: %v", err)
		}
		welcome, ok := payload.(*protocol.WelcomePayload)
		if !ok {
			t.Fatalf("payload type = %T, want *WelcomePayload", payload)
		}
		if welcome.ServerName != "test-server" {
			t.Fatalf("server name = %q, want test-server", welcome.ServerName)
		}
		if welcome.SessionID == "" {
			t.Fatalf("expected a non-empty session id")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Welcome")
	}

	if reg.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", reg.Count())
	}
}

// TestSupersedeKeyedByClientNameNotAddr reconnects the same named client
// from a fresh TCP connection (a new ephemeral port) and verifies the
// registry still treats it as one peer: the stale session is superseded
// rather than accumulating a second entry (§4.5 S4).
func TestSupersedeKeyedByClientNameNotAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := tlscfg.GenerateHostIdentity("test-host", time.Hour)
	if err != nil {
		t.Fatalf("GenerateHostIdentity: %v", err)
	}
	reg := registry.New()
	defer reg.Close()

	srv := NewServer(
		WithListenAddr(":0"),
		WithTLSConfig(tlscfg.ServerConfig(identity)),
		WithRegistry(reg),
		WithServerName("test-server"),
		WithHandshakeTimeout(2*time.Second),
		WithHeartbeatInterval(time.Second),
		WithIdleTimeouts(time.Minute, 5*time.Minute),
	)
	go srv.Serve(ctx)
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}

	dialAndHello := func() *transport.Transport {
		pins := tlscfg.NewPinStore()
		conn, err := tls.Dial("tcp", srv.Addr(), tlscfg.ClientConfig("test-server-peer", pins))
		if err != nil {
			t.Fatalf("tls.Dial: %v", err)
		}
		tr := transport.New(ctx, conn)
		hello := protocol.HelloPayload{ProtocolVersion: protocol.ProtocolVersion, ClientName: "same-client"}
		typ, raw, _, err := protocol.Encode(hello, 0, "")
		if err != nil {
			t.Fatalf("Encode Hello: %v", err)
		}
		if err := tr.Send(typ, raw); err != nil {
			t.Fatalf("Send Hello: %v", err)
		}
		select {
		case fr, ok := <-tr.Recv():
			if !ok || fr.Header.Type != wire.TypeWelcome {
				t.Fatalf("expected Welcome, got ok=%v type=%v", ok, fr.Header.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for Welcome")
		}
		return tr
	}

	first := dialAndHello()
	defer first.Close()
	time.Sleep(50 * time.Millisecond)
	second := dialAndHello()
	defer second.Close()
	time.Sleep(100 * time.Millisecond)

	if got := reg.Count(); got != 1 {
		t.Fatalf("registry count = %d, want 1 (reconnect should supersede, not accumulate)", got)
	}
}

func TestSmokeServerRejectsVersionMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := tlscfg.GenerateHostIdentity("test-host", time.Hour)
	if err != nil {
		t.Fatalf("GenerateHostIdentity: %v", err)
	}
	reg := registry.New()
	defer reg.Close()

	srv := NewServer(
		WithListenAddr(":0"),
		WithTLSConfig(tlscfg.ServerConfig(identity)),
		WithRegistry(reg),
		WithHandshakeTimeout(2*time.Second),
	)
	go srv.Serve(ctx)
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}

	pins := tlscfg.NewPinStore()
	conn, err := tls.Dial("tcp", srv.Addr(), tlscfg.ClientConfig("peer", pins))
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()
	tr := transport.New(ctx, conn)
	defer tr.Close()

	hello := protocol.HelloPayload{ProtocolVersion: "0.0.1", ClientName: "old-client"}
	typ, raw, _, _ := protocol.Encode(hello, 0, "")
	if err := tr.Send(typ, raw); err != nil {
		t.Fatalf("Send Hello: %v", err)
	}

	select {
	case fr, ok := <-tr.Recv():
		if !ok {
			return
		}
		if fr.Header.Type != wire.TypeError {
			t.Fatalf("frame type = 0x%02X, want Error", byte(fr.Header.Type))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for rejection")
	}
}
