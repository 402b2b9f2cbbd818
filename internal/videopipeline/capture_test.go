package videopipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCapturer struct {
	frames  []RawFrame
	opened  bool
	closed  bool
	i       int
	errAfter int
}

func (f *fakeCapturer) Open(ctx context.Context) error { f.opened = true; return nil }

func (f *fakeCapturer) ReadFrame(ctx context.Context) (RawFrame, error) {
	if f.errAfter > 0 && f.i >= f.errAfter {
		return RawFrame{}, errors.New("fake capture error")
	}
	if f.i >= len(f.frames) {
		<-ctx.Done()
		return RawFrame{}, ctx.Err()
	}
	fr := f.frames[f.i]
	f.i++
	return fr, nil
}

func (f *fakeCapturer) Close() error { f.closed = true; return nil }

func TestCaptureQueueDeliversFrames(t *testing.T) {
	cap := &fakeCapturer{frames: []RawFrame{
		{Width: 640, Height: 480},
		{Width: 640, Height: 480},
	}}
	q := NewCaptureQueue(cap, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	got := 0
	for i := 0; i < 2; i++ {
		select {
		case _, ok := <-q.Frames():
			if !ok {
				t.Fatalf("channel closed early after %d frames", got)
			}
			got++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	cancel()
	<-done
	if !cap.opened || !cap.closed {
		t.Fatalf("expected capturer to be opened and closed")
	}
}

func TestCaptureQueueDropsOldestWhenFull(t *testing.T) {
	frames := make([]RawFrame, 10)
	for i := range frames {
		frames[i] = RawFrame{Width: i}
	}
	cap := &fakeCapturer{frames: frames}
	q := NewCaptureQueue(cap, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()
	defer cancel()

	time.Sleep(100 * time.Millisecond)
	// Drain whatever is buffered; queue depth is 2 so we should never see
	// more than a handful buffered despite 10 frames having been produced.
	drained := 0
loop:
	for {
		select {
		case _, ok := <-q.Frames():
			if !ok {
				break loop
			}
			drained++
		default:
			break loop
		}
	}
	if drained > 2 {
		t.Fatalf("expected drop-oldest to bound buffered frames near queue depth, drained=%d", drained)
	}
}
