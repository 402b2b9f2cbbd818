package clientapp

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/reconnect"
	"github.com/softkvm/softkvm/internal/tlscfg"
	"github.com/softkvm/softkvm/internal/transport"
	"github.com/softkvm/softkvm/internal/wire"
)

// fakeHost accepts one TLS connection, performs the Hello/Welcome
// handshake, then pushes a single VideoFrame before closing.
func fakeHost(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	ctx := context.Background()
	tr := transport.New(ctx, conn)
	defer tr.Close()

	fr, ok := <-tr.Recv()
	if !ok || fr.Header.Type != wire.TypeHello {
		t.Errorf("expected Hello, got ok=%v type=%v", ok, fr.Header.Type)
		return
	}
	welcome := protocol.WelcomePayload{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerName:      "fake-host",
		SessionID:       "sess-1",
		Capabilities:    protocol.Capabilities{SupportsVideo: true, SupportsInput: true},
	}
	typ, raw, _, err := protocol.Encode(welcome, 0, "")
	if err != nil {
		t.Errorf("encode welcome: %v", err)
		return
	}
	if err := tr.Send(typ, raw); err != nil {
		t.Errorf("send welcome: %v", err)
		return
	}

	frame := protocol.VideoFramePayload{FrameNumber: 1, Codec: "h264", Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	typ, raw, _, err = protocol.Encode(frame, 0, "sess-1")
	if err != nil {
		t.Errorf("encode frame: %v", err)
		return
	}
	if err := tr.Send(typ, raw); err != nil {
		t.Errorf("send frame: %v", err)
		return
	}
	time.Sleep(200 * time.Millisecond)
}

func TestClientRunReceivesVideoFrame(t *testing.T) {
	identity, err := tlscfg.GenerateHostIdentity("fake-host", time.Hour)
	if err != nil {
		t.Fatalf("GenerateHostIdentity: %v", err)
	}
	ln, err := tls.Listen("tcp", ":0", tlscfg.ServerConfig(identity))
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); fakeHost(t, ln) }()

	var buf bytes.Buffer
	var mu sync.Mutex
	sink := writeLockedSink{w: &buf, mu: &mu}

	c := New(Config{
		ServerAddr:     ln.Addr().String(),
		ClientName:     "test-client",
		ConnectTimeout: 2 * time.Second,
		Reconnect:      reconnect.Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3},
	}, tlscfg.NewPinStore(), sink, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	wg.Wait()
	mu.Lock()
	got := buf.Bytes()
	mu.Unlock()
	if !bytes.Equal(got, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("sink received %v, want DEADBEEF", got)
	}
}

type writeLockedSink struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (s writeLockedSink) WriteFrame(f protocol.VideoFramePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(f.Data)
	return err
}
