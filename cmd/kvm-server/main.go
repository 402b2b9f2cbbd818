package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/softkvm/softkvm/internal/config"
	"github.com/softkvm/softkvm/internal/hostserver"
	"github.com/softkvm/softkvm/internal/ids"
	"github.com/softkvm/softkvm/internal/inputrouter"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/protocol"
	"github.com/softkvm/softkvm/internal/registry"
	"github.com/softkvm/softkvm/internal/tlscfg"
)

// Helper implementations moved to dedicated files: version.go, logger.go,
// identity.go, video.go, injector.go, mdns.go.

// pingInterval drives the host-side RTT sampling that feeds the
// streamer's adaptive quality controller (§4.9); only the host enables
// Ping/Pong, so this is not exposed as a client flag.
const pingInterval = 5 * time.Second

func main() {
	cfg, showVersion, err := config.ParseServerFlags(os.Args[1:])
	if showVersion {
		fmt.Printf("kvm-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvm-server:", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	identity, err := loadOrGenerateIdentity(cfg, l)
	if err != nil {
		l.Error("identity_init_error", "error", err)
		if errors.Is(err, fs.ErrPermission) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	reg := registry.New()
	defer reg.Close()

	if !cfg.DisableVideo {
		videoCleanup, err := initVideoPipeline(ctx, cfg, reg, l, &wg)
		if err != nil {
			l.Error("video_init_error", "error", err)
			os.Exit(1)
		}
		defer videoCleanup()
	}

	var router *inputrouter.Router
	if !cfg.DisableInput {
		r, injectorCleanup, err := initInputRouter(cfg, l)
		if err != nil {
			l.Error("injector_init_error", "error", err)
			os.Exit(1)
		}
		defer injectorCleanup()
		router = r
	}

	caps := protocol.Capabilities{
		SupportsVideo: !cfg.DisableVideo,
		SupportsInput: !cfg.DisableInput,
		Resolutions:   []protocol.Resolution{{Width: uint32(cfg.VideoWidth), Height: uint32(cfg.VideoHeight)}},
		Qualities:     []protocol.VideoQuality{{FPS: uint32(cfg.VideoFPS), BitrateMbps: uint32(cfg.VideoBitrateKbps / 1000)}},
		MaxClients:    uint32(cfg.MaxSessions),
	}

	hostName, _ := os.Hostname()
	srv := hostserver.NewServer(
		hostserver.WithListenAddr(cfg.ListenAddr),
		hostserver.WithTLSConfig(tlscfg.ServerConfig(identity)),
		hostserver.WithRegistry(reg),
		hostserver.WithRouter(router),
		hostserver.WithServerName(hostName),
		hostserver.WithCapabilities(caps),
		hostserver.WithMaxSessions(cfg.MaxSessions),
		hostserver.WithHandshakeTimeout(cfg.HandshakeTimeout),
		hostserver.WithHeartbeatInterval(cfg.HeartbeatInterval),
		hostserver.WithIdleTimeouts(cfg.IdleSoftTimeout, cfg.IdleHardTimeout),
		hostserver.WithPingInterval(pingInterval),
		hostserver.WithLogger(l),
	)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tls_server_error", "error", err)
			cancel()
		}
	}()
	select {
	case <-srv.Ready():
	case err := <-srv.Errors():
		l.Error("bind_failed", "error", err)
		os.Exit(3)
	}

	serviceID := ids.NewServiceId()
	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		var port int
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
		cleanupMDNS, err := startMDNS(cfg, port, serviceID, identity.Fingerprint, caps, l)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = srv.Shutdown()

	const shutdownGrace = 5 * time.Second
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		l.Warn("shutdown_grace_exceeded", "grace", shutdownGrace)
	}
}
