package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/softkvm/softkvm/internal/logging"
)

// Prometheus counters and gauges.
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Current number of sessions in the Active state.",
	})
	SessionsEstablished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_established_total",
		Help: "Total sessions that reached the Active state.",
	})
	SessionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_superseded_total",
		Help: "Total sessions closed because a new session from the same peer replaced them.",
	})
	SessionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_timed_out_total",
		Help: "Total sessions closed due to missed heartbeats or idle timeout.",
	})
	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handshake_failures_total",
		Help: "Total handshake failures by reason.",
	}, []string{"reason"})
	HandshakeDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "handshake_duration_ms",
		Help:    "Time from Hello received to Welcome sent, in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_frames_captured_total",
		Help: "Total frames pulled from the capture collaborator.",
	})
	FramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_frames_encoded_total",
		Help: "Total frames that completed H.264 encoding.",
	})
	FramesDroppedCapture = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_frames_dropped_capture_total",
		Help: "Total captured frames dropped by the capture-to-encoder queue (drop-oldest policy).",
	})
	FramesDroppedStreamer = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_frames_dropped_streamer_total",
		Help: "Total encoded frames dropped by the encoder-to-streamer queue.",
	})
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_frames_sent_total",
		Help: "Total VideoFrame messages sent to sessions.",
	})
	BitrateCurrentMbps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "video_bitrate_current_mbps",
		Help: "Current adaptive-quality target bitrate.",
	})

	InputEventsRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "input_events_routed_total",
		Help: "Total input events forwarded to the injector.",
	})
	InputEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "input_events_dropped_total",
		Help: "Total input events dropped by the per-session rate cap or a full per-session queue.",
	})
	InputEventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "input_events_rejected_total",
		Help: "Total input events rejected for failing bounds checks.",
	})

	DiscoveryServicesCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "discovery_services_cached",
		Help: "Current number of non-expired service records in the discovery cache.",
	})
	DiscoveryAdvertiseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discovery_advertise_failures_total",
		Help: "Total mDNS advertise attempts that failed.",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_messages_total",
		Help: "Total rejected malformed messages (framing or protocol violations).",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTransportRead  = "transport_read"
	ErrTransportWrite = "transport_write"
	ErrHandshake      = "handshake"
	ErrAuth           = "auth"
	ErrDiscovery      = "discovery"
	ErrVideoEncode    = "video_encode"
	ErrInputInject    = "input_inject"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process polling (no scrape round trip).
var (
	localSessionsActive   uint64
	localFramesCaptured   uint64
	localFramesEncoded    uint64
	localFramesSent       uint64
	localFramesDropped    uint64
	localInputRouted      uint64
	localInputDropped     uint64
	localErrors           uint64
	localServicesCached   uint64
	localMalformed        uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SessionsActive  uint64
	FramesCaptured  uint64
	FramesEncoded   uint64
	FramesSent      uint64
	FramesDropped   uint64
	InputRouted     uint64
	InputDropped    uint64
	Errors          uint64
	ServicesCached  uint64
	Malformed       uint64
}

func Snap() Snapshot {
	return Snapshot{
		SessionsActive: atomic.LoadUint64(&localSessionsActive),
		FramesCaptured: atomic.LoadUint64(&localFramesCaptured),
		FramesEncoded:  atomic.LoadUint64(&localFramesEncoded),
		FramesSent:     atomic.LoadUint64(&localFramesSent),
		FramesDropped:  atomic.LoadUint64(&localFramesDropped),
		InputRouted:    atomic.LoadUint64(&localInputRouted),
		InputDropped:   atomic.LoadUint64(&localInputDropped),
		Errors:         atomic.LoadUint64(&localErrors),
		ServicesCached: atomic.LoadUint64(&localServicesCached),
		Malformed:      atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.

func SetSessionsActive(n int) {
	SessionsActive.Set(float64(n))
	atomic.StoreUint64(&localSessionsActive, uint64(n))
}

func IncSessionEstablished() { SessionsEstablished.Inc() }
func IncSessionSuperseded()  { SessionsSuperseded.Inc() }
func IncSessionTimedOut()    { SessionsTimedOut.Inc() }

func IncHandshakeFailure(reason string) { HandshakeFailures.WithLabelValues(reason).Inc() }

func ObserveHandshakeDuration(ms float64) { HandshakeDurationMs.Observe(ms) }

func IncFramesCaptured() {
	FramesCaptured.Inc()
	atomic.AddUint64(&localFramesCaptured, 1)
}

func IncFramesEncoded() {
	FramesEncoded.Inc()
	atomic.AddUint64(&localFramesEncoded, 1)
}

func IncFramesDroppedCapture() {
	FramesDroppedCapture.Inc()
	atomic.AddUint64(&localFramesDropped, 1)
}

func IncFramesDroppedStreamer() {
	FramesDroppedStreamer.Inc()
	atomic.AddUint64(&localFramesDropped, 1)
}

func AddFramesSent(n int) {
	FramesSent.Add(float64(n))
	atomic.AddUint64(&localFramesSent, uint64(n))
}

func SetBitrateMbps(v float64) { BitrateCurrentMbps.Set(v) }

func IncInputRouted() {
	InputEventsRouted.Inc()
	atomic.AddUint64(&localInputRouted, 1)
}

func IncInputDropped() {
	InputEventsDropped.Inc()
	atomic.AddUint64(&localInputDropped, 1)
}

func IncInputRejected() { InputEventsRejected.Inc() }

func SetServicesCached(n int) {
	DiscoveryServicesCached.Set(float64(n))
	atomic.StoreUint64(&localServicesCached, uint64(n))
}

func IncDiscoveryAdvertiseFailure() { DiscoveryAdvertiseFailures.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedMessages.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers common error
// label series so the first error of each kind doesn't pay registration
// latency (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTransportRead, ErrTransportWrite, ErrHandshake, ErrAuth,
		ErrDiscovery, ErrVideoEncode, ErrInputInject,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
