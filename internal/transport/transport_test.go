package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/softkvm/softkvm/internal/wire"
)

func TestTransportSendRecvRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := New(ctx, clientConn)
	server := New(ctx, serverConn)
	defer client.Close()
	defer server.Close()

	payload := []byte("hello")
	if err := client.Send(wire.TypeHello, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case fr := <-server.Recv():
		if fr.Header.Type != wire.TypeHello {
			t.Fatalf("type = %v, want Hello", fr.Header.Type)
		}
		if string(fr.Payload) != "hello" {
			t.Fatalf("payload = %q, want %q", fr.Payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTransportCloseStopsReader(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := New(ctx, clientConn)
	server := New(ctx, serverConn)
	defer client.Close()

	server.Close()

	select {
	case _, ok := <-server.Recv():
		if ok {
			t.Fatal("expected closed inbox after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbox to close")
	}
}

func TestTransportContextCancelClosesTransport(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	client := New(ctx, clientConn)
	server := New(ctx, serverConn)
	defer server.Close()

	cancel()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport to close after cancel")
	}
}

// TestTransportOutboxIsUnbounded queues far more frames than the old
// bounded outbox depth (256) ever allowed before a consumer ever reads,
// and requires every Send to succeed (§4.4, §5: back-pressure lives at
// the streamer's bounded queue, never here).
func TestTransportOutboxIsUnbounded(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := New(ctx, clientConn)
	server := New(ctx, serverConn)
	defer client.Close()
	defer server.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		if err := client.Send(wire.TypeHeartbeat, nil); err != nil {
			t.Fatalf("Send #%d: %v, want nil (outbox must be unbounded)", i, err)
		}
	}

	received := 0
	for received < n {
		select {
		case _, ok := <-server.Recv():
			if !ok {
				t.Fatalf("inbox closed early after %d frames, want %d", received, n)
			}
			received++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after receiving %d/%d frames", received, n)
		}
	}
}

func TestTransportSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := New(ctx, clientConn)
	server := New(ctx, serverConn)
	defer server.Close()

	client.Close()
	if err := client.Send(wire.TypeHeartbeat, nil); err != ErrClosed {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}
