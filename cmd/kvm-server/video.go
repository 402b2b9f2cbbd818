package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/softkvm/softkvm/internal/capture"
	"github.com/softkvm/softkvm/internal/config"
	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/registry"
	"github.com/softkvm/softkvm/internal/session"
	"github.com/softkvm/softkvm/internal/streamer"
	"github.com/softkvm/softkvm/internal/videopipeline"
)

// initVideoPipeline wires a capturer through the GStreamer encoder into a
// Streamer broadcasting to reg, mirroring the teacher's initBackend: it
// starts the pipeline's goroutines and returns a cleanup closure instead
// of exiting the process on failure.
func initVideoPipeline(ctx context.Context, cfg *config.ServerConfig, reg *registry.Registry, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	cap := capture.NewSynthetic(cfg.VideoWidth, cfg.VideoHeight, cfg.VideoFPS)
	queue := videopipeline.NewCaptureQueue(cap, 2)

	encoder, err := videopipeline.NewEncoder(videopipeline.EncoderConfig{
		Width:       cfg.VideoWidth,
		Height:      cfg.VideoHeight,
		FPS:         cfg.VideoFPS,
		BitrateKbps: cfg.VideoBitrateKbps,
	})
	if err != nil {
		return func() {}, fmt.Errorf("video: new encoder: %w", err)
	}
	if err := encoder.Start(ctx); err != nil {
		return func() {}, fmt.Errorf("video: start encoder: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := queue.Run(ctx); err != nil {
			l.Warn("capture_queue_stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for frame := range queue.Frames() {
			if err := encoder.Push(frame); err != nil {
				logging.L().Warn("encoder_push_failed", "error", err)
			}
		}
	}()

	strm := streamer.New(reg, encoder, cfg.VideoBitrateKbps, cfg.VideoFPS, cfg.VideoWidth, cfg.VideoHeight)
	wg.Add(1)
	go func() {
		defer wg.Done()
		strm.Run()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportNetworkStats(ctx, reg, strm)
	}()

	cleanup := func() { encoder.Stop() }
	return cleanup, nil
}

// reportNetworkStats polls the registry's active, video-capable sessions
// and averages their RTT/loss samples into the streamer's adaptive
// quality controller (§4.9).
func reportNetworkStats(ctx context.Context, reg *registry.Registry, strm *streamer.Streamer) {
	const pollInterval = 1 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var latencySum, lossSum float64
		var n int
		for _, sess := range reg.Snapshot() {
			if sess.State() != session.StateActive || !sess.Capabilities().SupportsVideo {
				continue
			}
			latencySum += sess.RTTMillis()
			lossSum += sess.LossFraction()
			n++
		}
		if n == 0 {
			continue
		}
		strm.UpdateNetworkStats(latencySum/float64(n), lossSum/float64(n))
	}
}
