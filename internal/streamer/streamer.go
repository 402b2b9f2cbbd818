// Package streamer packetizes encoded video frames into VideoFrame
// protocol messages, fans them out to every session that negotiated
// video support, and runs the adaptive quality controller. It plays the
// role the teacher's Hub.Broadcast played for CAN frames
// (internal/hub/hub.go): one producer, many consumers, backpressure
// handled per-consumer rather than by blocking the producer (§4.6, §4.8).
package streamer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/session"
	"github.com/softkvm/softkvm/internal/videopipeline"
)

// Broadcaster is the subset of *registry.Registry the streamer depends
// on, so it can be unit tested without a real registry.
type Broadcaster interface {
	Broadcast(payload any, filter func(*session.Session) bool) int
}

// FrameSource is the subset of *videopipeline.Encoder the streamer
// depends on, so it can be unit tested without a real GStreamer pipeline.
type FrameSource interface {
	Frames() <-chan videopipeline.EncodedFrame
	SetBitrate(kbps int) error
}

const (
	minBitrateKbps    = 5000
	maxBitrateKbps    = 50000
	degradedFPS       = 15
	qualityHysteresis = 2 * time.Second

	latencyDegradeMs = 100
	lossDegradeFrac  = 0.05
	latencyUpgradeMs = 20
	lossUpgradeFrac  = 0.01

	compressionDegraded = 0.7
	compressionNominal  = 0.9
)

func videoCapableFilter(s *session.Session) bool {
	return s.State() == session.StateActive && s.Capabilities().SupportsVideo
}

// quality holds the live encoder/output settings the adaptive controller
// steps, plus the resolution/codec needed to describe them on the wire.
type quality struct {
	mu          sync.Mutex
	fps         int
	bitrateKbps int
	compression float32
	width       int
	height      int
}

// networkSample is the latest latency/loss observation fed in from the
// session registry (§4.9 "recent average round-trip" / "heartbeat pong
// gap" inputs).
type networkSample struct {
	mu        sync.Mutex
	latencyMs float64
	loss      float64
}

// Streamer drains an Encoder's frame channel, packetizes each into a
// VideoFramePayload, and broadcasts it to video-capable sessions, while
// running the adaptive quality controller off externally-supplied
// latency/loss samples (§4.6, §4.9).
type Streamer struct {
	broadcaster Broadcaster
	encoder     FrameSource

	targetFPS int

	frameNumber atomic.Uint64
	lastAdjust  atomic.Int64 // unix nanos

	q   quality
	net networkSample
}

// New creates a Streamer fanning encoder's output out via broadcaster,
// starting the adaptive controller at initialBitrateKbps/targetFPS for
// frames of size width x height.
func New(broadcaster Broadcaster, encoder FrameSource, initialBitrateKbps, targetFPS, width, height int) *Streamer {
	s := &Streamer{broadcaster: broadcaster, encoder: encoder, targetFPS: targetFPS}
	s.q.fps = targetFPS
	s.q.bitrateKbps = initialBitrateKbps
	s.q.compression = compressionNominal
	s.q.width = width
	s.q.height = height
	metrics.SetBitrateMbps(float64(initialBitrateKbps) / 1000)
	return s
}

// Run drains encoder.Frames() until the channel closes.
func (s *Streamer) Run() {
	for frame := range s.encoder.Frames() {
		s.send(frame)
	}
}

// UpdateNetworkStats feeds the controller's latency/loss inputs, sampled
// by the caller from the session registry's RTT/heartbeat-miss tracking.
func (s *Streamer) UpdateNetworkStats(latencyMs, lossFraction float64) {
	s.net.mu.Lock()
	s.net.latencyMs = latencyMs
	s.net.loss = lossFraction
	s.net.mu.Unlock()
	s.maybeAdjustQuality()
}

func (s *Streamer) send(frame videopipeline.EncodedFrame) {
	num := s.frameNumber.Add(1)
	payload := protocol.VideoFramePayload{
		FrameNumber: num,
		TimestampUS: frame.PTSMicros,
		Width:       uint32(frame.Width),
		Height:      uint32(frame.Height),
		Codec:       "h264",
		KeyFrame:    frame.KeyFrame,
		Data:        frame.Data,
	}
	sent := s.broadcaster.Broadcast(payload, videoCapableFilter)
	metrics.AddFramesSent(sent)
}

// maybeAdjustQuality applies the §4.9 step function to the latest
// latency/loss sample: degrade on high latency or loss, recover once
// both are comfortably low, otherwise hold. A 2s hysteresis window
// prevents oscillation on a single blip.
func (s *Streamer) maybeAdjustQuality() {
	now := time.Now()
	last := time.Unix(0, s.lastAdjust.Load())
	if now.Sub(last) < qualityHysteresis {
		return
	}

	s.net.mu.Lock()
	latency, loss := s.net.latencyMs, s.net.loss
	s.net.mu.Unlock()

	s.q.mu.Lock()
	fps, bitrate, compression := s.q.fps, s.q.bitrateKbps, s.q.compression
	var changed bool
	switch {
	case latency > latencyDegradeMs || loss > lossDegradeFrac:
		if fps > degradedFPS {
			fps = degradedFPS
			changed = true
		}
		if next := bitrate / 2; next != bitrate {
			bitrate = next
			changed = true
		}
		if compression != compressionDegraded {
			compression = compressionDegraded
			changed = true
		}
	case latency < latencyUpgradeMs && loss < lossUpgradeFrac:
		if fps != s.targetFPS {
			fps = s.targetFPS
			changed = true
		}
		if next := bitrate + 5000; next != bitrate {
			bitrate = next
			changed = true
		}
		if compression != compressionNominal {
			compression = compressionNominal
			changed = true
		}
	}
	if bitrate < minBitrateKbps {
		bitrate = minBitrateKbps
	}
	if bitrate > maxBitrateKbps {
		bitrate = maxBitrateKbps
	}
	if fps == s.q.fps && bitrate == s.q.bitrateKbps && compression == s.q.compression {
		changed = false
	}
	if !changed {
		s.q.mu.Unlock()
		return
	}
	s.q.fps, s.q.bitrateKbps, s.q.compression = fps, bitrate, compression
	width, height := s.q.width, s.q.height
	s.q.mu.Unlock()

	if err := s.encoder.SetBitrate(bitrate); err != nil {
		logging.L().Warn("streamer_set_bitrate_failed", "error", err)
		return
	}
	s.lastAdjust.Store(now.UnixNano())
	metrics.SetBitrateMbps(float64(bitrate) / 1000)
	logging.L().Info("streamer_quality_adjusted", "fps", fps, "kbps", bitrate, "compression", compression, "latency_ms", latency, "loss", loss)

	s.broadcaster.Broadcast(protocol.VideoConfigPayload{
		Resolution: protocol.Resolution{Width: uint32(width), Height: uint32(height)},
		Quality: protocol.VideoQuality{
			FPS:              uint32(fps),
			BitrateMbps:      uint32(bitrate / 1000),
			CompressionLevel: compression,
		},
		Codec: "h264",
	}, videoCapableFilter)
}

// CurrentBitrateKbps returns the live target bitrate.
func (s *Streamer) CurrentBitrateKbps() int {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.bitrateKbps
}

// CurrentFPS returns the live target frame rate.
func (s *Streamer) CurrentFPS() int {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.fps
}
