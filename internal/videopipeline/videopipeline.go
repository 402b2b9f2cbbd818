// Package videopipeline implements the capture -> encode -> (streamer)
// pipeline: a bounded drop-oldest queue between an external capture
// collaborator and the H.264 encoder, and a GStreamer-backed encoder
// wrapping an appsink callback exactly as the teacher's helper package
// (go-gst/go-gst) does for its own desktop-capture pipeline. The
// capture-to-encoder hop follows the same "cooperative-scheduler
// channel bridge for a CPU-heavy native thread" shape (§4.6, §9).
package videopipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
)

// RawFrame is one captured, not-yet-encoded frame (§3, §4.6).
type RawFrame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// EncodedFrame is one H.264 access unit produced by the encoder.
type EncodedFrame struct {
	Data       []byte
	PTSMicros  uint64
	KeyFrame   bool
	Width      int
	Height     int
	Timestamp  time.Time
}

// Capturer is the external screen-capture collaborator contract. Real OS
// backends (PipeWire, X11, Wayland portals) are out of scope for the
// core (§1 Non-goals); callers provide an implementation.
type Capturer interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context) (RawFrame, error)
	Close() error
}

const defaultQueueDepth = 2

// CaptureQueue bridges Capturer.ReadFrame calls (run on a dedicated
// goroutine, since capture is blocking/CPU-bound) into a bounded,
// drop-oldest channel the encoder consumes from (§4.6, §5).
type CaptureQueue struct {
	out     chan RawFrame
	cap     Capturer
	running atomic.Bool
}

// NewCaptureQueue creates a queue of the given depth (defaultQueueDepth
// if <= 0) fed by cap.
func NewCaptureQueue(cap Capturer, depth int) *CaptureQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &CaptureQueue{out: make(chan RawFrame, depth), cap: cap}
}

// Frames returns the channel of captured frames.
func (q *CaptureQueue) Frames() <-chan RawFrame { return q.out }

// Run opens the capturer and pumps frames until ctx is cancelled or
// ReadFrame errors.
func (q *CaptureQueue) Run(ctx context.Context) error {
	if err := q.cap.Open(ctx); err != nil {
		return fmt.Errorf("videopipeline: open capturer: %w", err)
	}
	q.running.Store(true)
	defer func() {
		q.running.Store(false)
		_ = q.cap.Close()
		close(q.out)
	}()
	for {
		frame, err := q.cap.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("videopipeline: read frame: %w", err)
		}
		metrics.IncFramesCaptured()
		q.push(frame)
	}
}

// push enqueues frame, dropping the oldest queued frame if full (§4.6).
func (q *CaptureQueue) push(frame RawFrame) {
	select {
	case q.out <- frame:
		return
	default:
	}
	select {
	case <-q.out:
		metrics.IncFramesDroppedCapture()
	default:
	}
	select {
	case q.out <- frame:
	default:
	}
}

var gstInitOnce sync.Once

// InitGStreamer initializes the GStreamer library; safe to call more
// than once.
func InitGStreamer() {
	gstInitOnce.Do(func() { gst.Init(nil) })
}

// EncoderConfig tunes the generated GStreamer pipeline string.
type EncoderConfig struct {
	Width            int
	Height           int
	FPS              int
	BitrateKbps      int
	KeyframeInterval int // frames between forced IDRs
}

// Encoder wraps a GStreamer appsrc -> x264enc -> h264parse -> appsink
// pipeline, mirroring the teacher's GstPipeline: an appsink callback
// bridges GStreamer's own thread into a buffered Go channel so the
// caller never blocks the encoder's internal scheduling (§4.6, §9).
type Encoder struct {
	pipeline *gst.Pipeline
	appsrc   *app.Source
	appsink  *app.Sink
	out      chan EncodedFrame
	running  atomic.Bool
	stopOnce sync.Once
	cfg      EncoderConfig
}

// NewEncoder builds and configures (but does not start) a GStreamer H.264
// encoding pipeline for cfg.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	InitGStreamer()
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = cfg.FPS * 2
	}
	pipelineStr := fmt.Sprintf(
		"appsrc name=videosrc format=time is-live=true ! "+
			"video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1 ! "+
			"x264enc name=videoenc tune=zerolatency bitrate=%d key-int-max=%d ! "+
			"h264parse config-interval=-1 ! appsink name=videosink",
		cfg.Width, cfg.Height, cfg.FPS, cfg.BitrateKbps, cfg.KeyframeInterval,
	)
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("videopipeline: parse pipeline: %w", err)
	}
	srcElem, err := pipeline.GetElementByName("videosrc")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("videopipeline: get videosrc: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("videosink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("videopipeline: get videosink: %w", err)
	}
	appsink := app.SinkFromElement(sinkElem)
	if appsink == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("videopipeline: videosink is not an appsink")
	}

	e := &Encoder{
		pipeline: pipeline,
		appsrc:   app.SrcFromElement(srcElem),
		appsink:  appsink,
		out:      make(chan EncodedFrame, 4),
		cfg:      cfg,
	}
	return e, nil
}

// Start begins the pipeline and appsink frame delivery.
func (e *Encoder) Start(ctx context.Context) error {
	if e.running.Load() {
		return nil
	}
	e.appsink.SetProperty("emit-signals", true)
	e.appsink.SetProperty("max-buffers", uint(2))
	e.appsink.SetProperty("drop", true)
	e.appsink.SetProperty("sync", false)
	e.appsink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: e.onNewSample})

	if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("videopipeline: set playing: %w", err)
	}
	e.running.Store(true)
	go e.watchBus(ctx)
	return nil
}

// Push feeds one raw I420 frame into the encoder via appsrc.
func (e *Encoder) Push(frame RawFrame) error {
	buf := gst.NewBufferFromBytes(frame.Data)
	if ret := e.appsrc.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("videopipeline: push buffer: flow return %v", ret)
	}
	return nil
}

func (e *Encoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	if !e.running.Load() {
		return gst.FlowEOS
	}
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	defer buffer.Unmap()

	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())

	var pts uint64
	if d := buffer.PresentationTimestamp().AsDuration(); d != nil {
		pts = uint64(d.Microseconds())
	}
	keyFrame := !buffer.HasFlags(gst.BufferFlagDeltaUnit)

	frame := EncodedFrame{
		Data:      data,
		PTSMicros: pts,
		KeyFrame:  keyFrame,
		Width:     e.cfg.Width,
		Height:    e.cfg.Height,
		Timestamp: time.Now(),
	}
	metrics.IncFramesEncoded()

	select {
	case e.out <- frame:
	default:
		metrics.IncFramesDroppedStreamer()
	}
	return gst.FlowOK
}

func (e *Encoder) watchBus(ctx context.Context) {
	bus := e.pipeline.GetPipelineBus()
	if bus == nil {
		return
	}
	for e.running.Load() {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		default:
		}
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			e.Stop()
			return
		case gst.MessageError:
			if gerr := msg.ParseError(); gerr != nil {
				logging.L().Error("videopipeline_gst_error", "error", gerr.Error())
			}
			e.Stop()
			return
		case gst.MessageWarning:
			if gwarn := msg.ParseWarning(); gwarn != nil {
				logging.L().Warn("videopipeline_gst_warning", "warning", gwarn.Error())
			}
		}
	}
}

// Frames returns the channel of encoded frames; closed on Stop.
func (e *Encoder) Frames() <-chan EncodedFrame { return e.out }

// SetBitrate adjusts the live encoder bitrate, used by the adaptive
// quality controller (§4.6, §9).
func (e *Encoder) SetBitrate(kbps int) error {
	elem, err := e.pipeline.GetElementByName("videoenc")
	if err != nil {
		return fmt.Errorf("videopipeline: get encoder element: %w", err)
	}
	elem.SetProperty("bitrate", uint(kbps))
	e.cfg.BitrateKbps = kbps
	return nil
}

// Stop halts the pipeline and closes the frame channel.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		if e.pipeline != nil {
			e.pipeline.SetState(gst.StateNull)
		}
		close(e.out)
	})
}
