package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/softkvm/softkvm/internal/config"
	"github.com/softkvm/softkvm/internal/discovery"
	"github.com/softkvm/softkvm/internal/ids"
	"github.com/softkvm/softkvm/internal/protocol"
)

// startMDNS advertises this host's soft-kvm service over mDNS, returning
// a cleanup function. It is a no-op when discovery is disabled.
func startMDNS(cfg *config.ServerConfig, port int, serviceID ids.ServiceId, fingerprint string, caps protocol.Capabilities, l *slog.Logger) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("softkvm-%s", host)
	}
	summary := discovery.CapsSummary{
		SupportsVideo: caps.SupportsVideo,
		SupportsInput: caps.SupportsInput,
		MaxClients:    caps.MaxClients,
	}
	adv, err := discovery.Advertise(discovery.RoleServer, instance, port, serviceID, instance, version, fingerprint, summary)
	if err != nil {
		return nil, fmt.Errorf("mdns: %w", err)
	}
	l.Info("mdns_started", "role", discovery.RoleServer, "name", instance, "port", port)
	return adv.Close, nil
}
