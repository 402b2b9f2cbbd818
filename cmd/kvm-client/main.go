package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/softkvm/softkvm/internal/clientapp"
	"github.com/softkvm/softkvm/internal/config"
	"github.com/softkvm/softkvm/internal/inputsource"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/reconnect"
	"github.com/softkvm/softkvm/internal/tlscfg"
)

// Helper implementations moved to dedicated files: version.go, logger.go,
// discover.go.

func main() {
	cfg, showVersion, err := config.ParseClientFlags(os.Args[1:])
	if showVersion {
		fmt.Printf("kvm-client %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvm-client:", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	if cfg.List {
		if err := runList(l); err != nil {
			l.Error("list_failed", "error", err)
			os.Exit(3)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverAddr := cfg.ServerAddr
	if serverAddr == "" && !cfg.DisableDiscovery {
		discoverCtx, discoverCancel := context.WithTimeout(ctx, 5*time.Second)
		addr, err := resolveServerAddr(discoverCtx, "", l)
		discoverCancel()
		if err != nil {
			l.Error("discovery_failed", "error", err)
			os.Exit(3)
		}
		serverAddr = addr
	}

	var sink clientapp.VideoSink
	if !cfg.DisableVideo {
		sink = clientapp.WriterSink{W: os.Stdout}
	}
	var source inputsource.Source
	if !cfg.DisableInput {
		source = inputsource.NewSynthetic(50 * time.Millisecond)
	}

	client := clientapp.New(clientapp.Config{
		ServerAddr:     serverAddr,
		ClientName:     cfg.ClientName,
		ConnectTimeout: cfg.ConnectTimeout,
		Reconnect: reconnect.Config{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: uint(cfg.ReconnectMaxTries),
		},
		DisableVideo: cfg.DisableVideo,
		DisableInput: cfg.DisableInput,
	}, tlscfg.NewPinStore(), sink, source, l)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		l.Error("client_run_error", "error", err)
		os.Exit(1)
	}
}
