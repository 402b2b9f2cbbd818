package registry

import (
	"context"
	"net"
	"testing"

	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/session"
	"github.com/softkvm/softkvm/internal/transport"
)

func newTestSession(t *testing.T, ctx context.Context) (*session.Session, *transport.Transport) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	serverTr := transport.New(ctx, serverConn)
	clientTr := transport.New(ctx, clientConn)
	sess := session.New(serverTr, "peer")
	sess.MarkHandshaking()
	sess.MarkActive(protocol.Capabilities{})
	return sess, clientTr
}

func TestRegistrySupersede(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := New()
	defer reg.Close()

	s1, _ := newTestSession(t, ctx)
	reg.Add("peer-a", s1)
	if reg.Count() != 1 {
		t.Fatalf("count = %d, want 1", reg.Count())
	}

	s2, _ := newTestSession(t, ctx)
	reg.Add("peer-a", s2)

	if cur, ok := reg.Get("peer-a"); !ok || cur != s2 {
		t.Fatalf("expected peer-a to map to the newest session")
	}
	if s1.State() != session.StateClosed && s1.State() != session.StateClosing {
		t.Fatalf("expected superseded session to be closing/closed, got %v", s1.State())
	}
}

func TestRegistryBroadcastIsolatesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := New()
	defer reg.Close()

	good, _ := newTestSession(t, ctx)
	reg.Add("peer-good", good)

	bad, badTr := newTestSession(t, ctx)
	reg.Add("peer-bad", bad)
	badTr.Close() // force bad's underlying connection closed

	sent := reg.Broadcast(protocol.HeartbeatPayload{Sequence: 1}, nil)
	if sent < 1 {
		t.Fatalf("expected at least the good session to receive the broadcast, sent=%d", sent)
	}
}

func TestRegistryRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := New()
	defer reg.Close()

	s, _ := newTestSession(t, ctx)
	reg.Add("peer-a", s)
	reg.Remove("peer-a", s)
	if reg.Count() != 0 {
		t.Fatalf("count = %d, want 0", reg.Count())
	}
	if _, ok := reg.Get("peer-a"); ok {
		t.Fatalf("expected peer-a to be gone after Remove")
	}
}
