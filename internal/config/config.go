// Package config parses CLI flags and environment-variable overrides for
// both host and client binaries, grounded on the teacher's
// cmd/can-server/config.go: flag.Visit tracks which flags were set
// explicitly so an env var never clobbers a flag the operator actually
// passed, and a small validate() pass catches range/enum errors before
// any socket or device is touched.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds every tunable of the host process (cmd/kvm-server).
type ServerConfig struct {
	ListenAddr        string
	MetricsAddr       string
	LogFormat         string
	LogLevel          string
	HeartbeatInterval time.Duration
	IdleSoftTimeout   time.Duration
	IdleHardTimeout   time.Duration
	HandshakeTimeout  time.Duration
	MaxSessions       int
	MDNSEnable        bool
	MDNSName          string
	InjectorBackend   string
	VideoWidth        int
	VideoHeight       int
	VideoFPS          int
	VideoBitrateKbps  int
	CertPath          string
	KeyPath           string
	DisableVideo      bool
	DisableInput      bool
}

// ParseServerFlags parses args (normally os.Args[1:]) into a ServerConfig,
// applying SOFTKVM_SERVER_* environment overrides for anything not set
// explicitly on the command line. showVersion is true iff -version was
// passed.
func ParseServerFlags(args []string) (cfg *ServerConfig, showVersion bool, err error) {
	fs := flag.NewFlagSet("kvm-server", flag.ContinueOnError)
	c := &ServerConfig{}

	listen := fs.String("listen", ":7890", "TLS listen address")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	heartbeat := fs.Duration("heartbeat-interval", 30*time.Second, "Heartbeat interval")
	idleSoft := fs.Duration("idle-soft-timeout", 5*time.Second, "Idle time before a session is Suspended")
	idleHard := fs.Duration("idle-hard-timeout", 300*time.Second, "Idle time before a session is closed")
	handshakeTO := fs.Duration("handshake-timeout", 30*time.Second, "Handshake timeout")
	maxSessions := fs.Int("max-sessions", 0, "Maximum simultaneous sessions (0 = unlimited)")
	mdnsEnable := fs.Bool("mdns-enable", true, "Enable mDNS advertisement")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default softkvm-<hostname>)")
	injBackend := fs.String("injector-backend", "wayland", "Input injector backend: wayland|uinput")
	width := fs.Int("video-width", 1920, "Captured video width")
	height := fs.Int("video-height", 1080, "Captured video height")
	fps := fs.Int("video-fps", 30, "Target video frame rate")
	bitrate := fs.Int("video-bitrate-kbps", 6000, "Initial video bitrate (kbps)")
	certPath := fs.String("cert-path", "", "Path to a persisted TLS certificate (empty = generate ephemeral)")
	keyPath := fs.String("key-path", "", "Path to a persisted TLS private key (empty = generate ephemeral)")
	noVideo := fs.Bool("no-video", false, "Disable the video pipeline")
	noInput := fs.Bool("no-input", false, "Disable input injection")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	c.ListenAddr = *listen
	c.MetricsAddr = *metricsAddr
	c.LogFormat = *logFormat
	c.LogLevel = *logLevel
	c.HeartbeatInterval = *heartbeat
	c.IdleSoftTimeout = *idleSoft
	c.IdleHardTimeout = *idleHard
	c.HandshakeTimeout = *handshakeTO
	c.MaxSessions = *maxSessions
	c.MDNSEnable = *mdnsEnable
	c.MDNSName = *mdnsName
	c.InjectorBackend = *injBackend
	c.VideoWidth = *width
	c.VideoHeight = *height
	c.VideoFPS = *fps
	c.VideoBitrateKbps = *bitrate
	c.CertPath = *certPath
	c.KeyPath = *keyPath
	c.DisableVideo = *noVideo
	c.DisableInput = *noInput

	if err := applyServerEnvOverrides(c, set); err != nil {
		return nil, *version, err
	}
	if err := c.validate(); err != nil {
		return nil, *version, err
	}
	return c, *version, nil
}

func (c *ServerConfig) validate() error {
	if c == nil {
		return errors.New("config: nil server config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log-format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log-level %q", c.LogLevel)
	}
	switch c.InjectorBackend {
	case "wayland", "uinput":
	default:
		return fmt.Errorf("config: invalid injector-backend %q", c.InjectorBackend)
	}
	if c.MaxSessions < 0 {
		return errors.New("config: max-sessions must be >= 0")
	}
	if c.HeartbeatInterval <= 0 || c.IdleSoftTimeout <= 0 || c.IdleHardTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("config: all timeouts/intervals must be > 0")
	}
	if c.IdleHardTimeout <= c.IdleSoftTimeout {
		return errors.New("config: idle-hard-timeout must exceed idle-soft-timeout")
	}
	if c.VideoWidth <= 0 || c.VideoHeight <= 0 || c.VideoFPS <= 0 || c.VideoBitrateKbps <= 0 {
		return errors.New("config: video dimensions, fps, and bitrate must be > 0")
	}
	return nil
}

func applyServerEnvOverrides(c *ServerConfig, set map[string]struct{}) error {
	var firstErr error
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("config: invalid %s: %w", env, err)
				}
				return
			}
			*dst = d
		}
	}
	intv := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("config: invalid %s: %w", env, err)
				}
				return
			}
			*dst = n
		}
	}
	boolv := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("listen", "SOFTKVM_SERVER_LISTEN", &c.ListenAddr)
	str("metrics-addr", "SOFTKVM_SERVER_METRICS", &c.MetricsAddr)
	str("log-format", "SOFTKVM_SERVER_LOG_FORMAT", &c.LogFormat)
	str("log-level", "SOFTKVM_SERVER_LOG_LEVEL", &c.LogLevel)
	dur("heartbeat-interval", "SOFTKVM_SERVER_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	dur("idle-soft-timeout", "SOFTKVM_SERVER_IDLE_SOFT_TIMEOUT", &c.IdleSoftTimeout)
	dur("idle-hard-timeout", "SOFTKVM_SERVER_IDLE_HARD_TIMEOUT", &c.IdleHardTimeout)
	dur("handshake-timeout", "SOFTKVM_SERVER_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	intv("max-sessions", "SOFTKVM_SERVER_MAX_SESSIONS", &c.MaxSessions)
	boolv("mdns-enable", "SOFTKVM_SERVER_MDNS_ENABLE", &c.MDNSEnable)
	str("mdns-name", "SOFTKVM_SERVER_MDNS_NAME", &c.MDNSName)
	str("injector-backend", "SOFTKVM_SERVER_INJECTOR_BACKEND", &c.InjectorBackend)
	intv("video-width", "SOFTKVM_SERVER_VIDEO_WIDTH", &c.VideoWidth)
	intv("video-height", "SOFTKVM_SERVER_VIDEO_HEIGHT", &c.VideoHeight)
	intv("video-fps", "SOFTKVM_SERVER_VIDEO_FPS", &c.VideoFPS)
	intv("video-bitrate-kbps", "SOFTKVM_SERVER_VIDEO_BITRATE_KBPS", &c.VideoBitrateKbps)
	str("cert-path", "SOFTKVM_SERVER_CERT_PATH", &c.CertPath)
	str("key-path", "SOFTKVM_SERVER_KEY_PATH", &c.KeyPath)
	boolv("no-video", "SOFTKVM_SERVER_NO_VIDEO", &c.DisableVideo)
	boolv("no-input", "SOFTKVM_SERVER_NO_INPUT", &c.DisableInput)

	return firstErr
}

// ClientConfig holds every tunable of the viewer process (cmd/kvm-client).
type ClientConfig struct {
	ServerAddr        string
	ClientName        string
	LogFormat         string
	LogLevel          string
	ConnectTimeout    time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectMaxTries  int
	List              bool
	DisableDiscovery  bool
	DisableVideo      bool
	DisableInput      bool
}

// ParseClientFlags parses args into a ClientConfig, applying
// SOFTKVM_CLIENT_* environment overrides for anything not set explicitly.
func ParseClientFlags(args []string) (cfg *ClientConfig, showVersion bool, err error) {
	fs := flag.NewFlagSet("kvm-client", flag.ContinueOnError)
	c := &ClientConfig{}

	server := fs.String("server", "", "Host address (host:port); empty uses discovery")
	name := fs.String("name", "", "Client display name sent in Hello (default <hostname>)")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	connectTO := fs.Duration("connect-timeout", 5*time.Second, "TLS connect timeout")
	reconnectBase := fs.Duration("reconnect-base-delay", time.Second, "Reconnect backoff base delay")
	reconnectMax := fs.Duration("reconnect-max-delay", 30*time.Second, "Reconnect backoff cap")
	reconnectTries := fs.Int("reconnect-max-attempts", 3, "Maximum reconnect attempts per cycle")
	list := fs.Bool("list", false, "List discovered hosts and exit")
	noDiscovery := fs.Bool("no-discovery", false, "Disable mDNS discovery; -server must be set")
	noVideo := fs.Bool("no-video", false, "Disable video reception")
	noInput := fs.Bool("no-input", false, "Disable input capture/forwarding")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	c.ServerAddr = *server
	c.ClientName = *name
	c.LogFormat = *logFormat
	c.LogLevel = *logLevel
	c.ConnectTimeout = *connectTO
	c.ReconnectBaseDelay = *reconnectBase
	c.ReconnectMaxDelay = *reconnectMax
	c.ReconnectMaxTries = *reconnectTries
	c.List = *list
	c.DisableDiscovery = *noDiscovery
	c.DisableVideo = *noVideo
	c.DisableInput = *noInput

	if c.ClientName == "" {
		if host, err := os.Hostname(); err == nil {
			c.ClientName = host
		} else {
			c.ClientName = "softkvm-client"
		}
	}

	if err := applyClientEnvOverrides(c, set); err != nil {
		return nil, *version, err
	}
	if err := c.validate(); err != nil {
		return nil, *version, err
	}
	return c, *version, nil
}

func (c *ClientConfig) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log-format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log-level %q", c.LogLevel)
	}
	if c.ConnectTimeout <= 0 || c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay <= 0 {
		return errors.New("config: timeouts/delays must be > 0")
	}
	if c.ReconnectMaxTries <= 0 {
		return errors.New("config: reconnect-max-attempts must be > 0")
	}
	if c.DisableDiscovery && c.ServerAddr == "" && !c.List {
		return errors.New("config: -server is required when -no-discovery is set")
	}
	return nil
}

func applyClientEnvOverrides(c *ClientConfig, set map[string]struct{}) error {
	var firstErr error
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("config: invalid %s: %w", env, err)
				}
				return
			}
			*dst = d
		}
	}
	intv := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("config: invalid %s: %w", env, err)
				}
				return
			}
			*dst = n
		}
	}
	boolv := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("server", "SOFTKVM_CLIENT_SERVER", &c.ServerAddr)
	str("name", "SOFTKVM_CLIENT_NAME", &c.ClientName)
	str("log-format", "SOFTKVM_CLIENT_LOG_FORMAT", &c.LogFormat)
	str("log-level", "SOFTKVM_CLIENT_LOG_LEVEL", &c.LogLevel)
	dur("connect-timeout", "SOFTKVM_CLIENT_CONNECT_TIMEOUT", &c.ConnectTimeout)
	dur("reconnect-base-delay", "SOFTKVM_CLIENT_RECONNECT_BASE_DELAY", &c.ReconnectBaseDelay)
	dur("reconnect-max-delay", "SOFTKVM_CLIENT_RECONNECT_MAX_DELAY", &c.ReconnectMaxDelay)
	intv("reconnect-max-attempts", "SOFTKVM_CLIENT_RECONNECT_MAX_ATTEMPTS", &c.ReconnectMaxTries)
	boolv("no-discovery", "SOFTKVM_CLIENT_NO_DISCOVERY", &c.DisableDiscovery)
	boolv("no-video", "SOFTKVM_CLIENT_NO_VIDEO", &c.DisableVideo)
	boolv("no-input", "SOFTKVM_CLIENT_NO_INPUT", &c.DisableInput)

	return firstErr
}
