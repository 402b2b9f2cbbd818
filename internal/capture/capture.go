// Package capture holds the screen-capture collaborator contract's
// concrete implementations. Real OS capture backends (PipeWire portals,
// X11 XGetImage, wlr-screencopy) are out of scope for the core (§1
// Non-goals); this package provides a synthetic generator usable for
// development and end-to-end exercise of the rest of the pipeline
// without a real display server. The Capturer interface itself lives in
// internal/videopipeline.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/softkvm/softkvm/internal/videopipeline"
)

// Synthetic implements videopipeline.Capturer by generating solid I420
// frames at a fixed resolution and frame rate. It never touches real
// display hardware.
type Synthetic struct {
	Width  int
	Height int
	FPS    int

	frameSize int
	interval  time.Duration
	frame     uint64
	ticker    *time.Ticker
}

// NewSynthetic creates a synthetic capturer for the given resolution and
// frame rate.
func NewSynthetic(width, height, fps int) *Synthetic {
	if fps <= 0 {
		fps = 30
	}
	return &Synthetic{
		Width:  width,
		Height: height,
		FPS:    fps,
		// I420: full-res Y plane, quarter-res U and V planes.
		frameSize: width*height + 2*((width/2)*(height/2)),
		interval:  time.Second / time.Duration(fps),
	}
}

func (s *Synthetic) Open(ctx context.Context) error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("capture: invalid resolution %dx%d", s.Width, s.Height)
	}
	s.ticker = time.NewTicker(s.interval)
	return nil
}

func (s *Synthetic) ReadFrame(ctx context.Context) (videopipeline.RawFrame, error) {
	select {
	case <-ctx.Done():
		return videopipeline.RawFrame{}, ctx.Err()
	case <-s.ticker.C:
	}
	s.frame++
	data := make([]byte, s.frameSize)
	// Cycle luma so consecutive frames are visibly distinct without
	// needing any real pixel source.
	fill := byte(s.frame % 256)
	for i := range data {
		data[i] = fill
	}
	return videopipeline.RawFrame{
		Data:      data,
		Width:     s.Width,
		Height:    s.Height,
		Timestamp: time.Now(),
	}, nil
}

func (s *Synthetic) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

var _ videopipeline.Capturer = (*Synthetic)(nil)
