package streamer

import (
	"sync"
	"testing"
	"time"

	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/session"
	"github.com/softkvm/softkvm/internal/videopipeline"
)

type fakeBroadcaster struct {
	mu  sync.Mutex
	got []any
}

func (f *fakeBroadcaster) Broadcast(payload any, filter func(*session.Session) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, payload)
	return 1
}

type fakeEncoder struct {
	frames      chan videopipeline.EncodedFrame
	mu          sync.Mutex
	lastBitrate int
}

func (f *fakeEncoder) Frames() <-chan videopipeline.EncodedFrame { return f.frames }
func (f *fakeEncoder) SetBitrate(kbps int) error {
	f.mu.Lock()
	f.lastBitrate = kbps
	f.mu.Unlock()
	return nil
}

func TestStreamerBroadcastsFrames(t *testing.T) {
	bc := &fakeBroadcaster{}
	enc := &fakeEncoder{frames: make(chan videopipeline.EncodedFrame, 2)}
	s := New(bc, enc, 20000, 30, 1920, 1080)

	enc.frames <- videopipeline.EncodedFrame{Data: []byte{1, 2, 3}, KeyFrame: true, Width: 1920, Height: 1080}
	close(enc.frames)
	s.Run()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.got) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(bc.got))
	}
	vf, ok := bc.got[0].(protocol.VideoFramePayload)
	if !ok {
		t.Fatalf("payload type = %T, want VideoFramePayload", bc.got[0])
	}
	if vf.FrameNumber != 1 || !vf.KeyFrame || vf.Codec != "h264" {
		t.Fatalf("unexpected payload: %+v", vf)
	}
}

func TestStreamerDegradesOnHighLatency(t *testing.T) {
	bc := &fakeBroadcaster{}
	enc := &fakeEncoder{frames: make(chan videopipeline.EncodedFrame, 1)}
	s := New(bc, enc, 20000, 30, 1920, 1080)
	s.lastAdjust.Store(time.Now().Add(-time.Hour).UnixNano())

	s.UpdateNetworkStats(150, 0)

	if got := s.CurrentFPS(); got != degradedFPS {
		t.Fatalf("CurrentFPS() = %d, want %d", got, degradedFPS)
	}
	if got := s.CurrentBitrateKbps(); got != 10000 {
		t.Fatalf("CurrentBitrateKbps() = %d, want 10000", got)
	}
	enc.mu.Lock()
	defer enc.mu.Unlock()
	if enc.lastBitrate != 10000 {
		t.Fatalf("encoder.SetBitrate called with %d, want 10000", enc.lastBitrate)
	}

	var sawConfig bool
	bc.mu.Lock()
	for _, p := range bc.got {
		if _, ok := p.(protocol.VideoConfigPayload); ok {
			sawConfig = true
		}
	}
	bc.mu.Unlock()
	if !sawConfig {
		t.Fatalf("expected a VideoConfigPayload broadcast on quality change")
	}
}

func TestStreamerBitrateStaysWithinFloor(t *testing.T) {
	bc := &fakeBroadcaster{}
	enc := &fakeEncoder{frames: make(chan videopipeline.EncodedFrame, 1)}
	s := New(bc, enc, minBitrateKbps, 30, 1920, 1080)

	s.lastAdjust.Store(time.Now().Add(-time.Hour).UnixNano())
	s.UpdateNetworkStats(200, 0.1)
	if s.CurrentBitrateKbps() < minBitrateKbps {
		t.Fatalf("bitrate fell below floor: %d", s.CurrentBitrateKbps())
	}
}

func TestStreamerRecoversOnLowLatency(t *testing.T) {
	bc := &fakeBroadcaster{}
	enc := &fakeEncoder{frames: make(chan videopipeline.EncodedFrame, 1)}
	s := New(bc, enc, minBitrateKbps, 30, 1920, 1080)

	s.lastAdjust.Store(time.Now().Add(-time.Hour).UnixNano())
	s.UpdateNetworkStats(150, 0.1)
	if s.CurrentFPS() != degradedFPS {
		t.Fatalf("CurrentFPS() = %d, want degraded %d", s.CurrentFPS(), degradedFPS)
	}

	s.lastAdjust.Store(time.Now().Add(-time.Hour).UnixNano())
	s.UpdateNetworkStats(5, 0)
	if s.CurrentFPS() != 30 {
		t.Fatalf("CurrentFPS() = %d, want target 30 after recovery", s.CurrentFPS())
	}
}

func TestStreamerHysteresisSuppressesRapidChange(t *testing.T) {
	bc := &fakeBroadcaster{}
	enc := &fakeEncoder{frames: make(chan videopipeline.EncodedFrame, 1)}
	s := New(bc, enc, 20000, 30, 1920, 1080)
	s.lastAdjust.Store(time.Now().Add(-time.Hour).UnixNano())
	s.UpdateNetworkStats(150, 0)
	adjustedBitrate := s.CurrentBitrateKbps()

	// Within the hysteresis window a further degrade signal must not move
	// the bitrate again immediately.
	s.UpdateNetworkStats(300, 0.2)
	if s.CurrentBitrateKbps() != adjustedBitrate {
		t.Fatalf("bitrate changed within hysteresis window: got %d, want %d", s.CurrentBitrateKbps(), adjustedBitrate)
	}
}
