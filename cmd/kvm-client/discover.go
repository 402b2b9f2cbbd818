package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/softkvm/softkvm/internal/discovery"
)

// runList browses for soft-kvm hosts for a fixed window and prints what
// it found, one line per service, for the `-list` CLI mode (§6 CLI).
func runList(l *slog.Logger) error {
	const browseWindow = 3 * time.Second

	cache := discovery.NewCache(discovery.DefaultTTL)
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), browseWindow)
	defer cancel()

	if err := discovery.Browse(ctx, cache, discovery.RoleClient); err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	<-ctx.Done()

	records := cache.Get()
	if len(records) == 0 {
		fmt.Println("no soft-kvm hosts found")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s\t%s:%d\tversion=%s\tfingerprint=%s\tvideo=%v\tinput=%v\n",
			r.Name, r.Host, r.Port, r.Version, r.Fingerprint, r.Capabilities.SupportsVideo, r.Capabilities.SupportsInput)
	}
	return nil
}

// resolveServerAddr returns explicit if set, otherwise browses until at
// least one host appears (returning the first cached one) or ctx expires.
func resolveServerAddr(ctx context.Context, explicit string, l *slog.Logger) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	cache := discovery.NewCache(discovery.DefaultTTL)
	defer cache.Close()
	browseErr := make(chan error, 1)
	go func() { browseErr <- discovery.Browse(ctx, cache, discovery.RoleClient) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-browseErr:
			if err != nil {
				return "", fmt.Errorf("discover: %w", err)
			}
		case <-ctx.Done():
			return "", fmt.Errorf("discover: no host found before timeout")
		case <-ticker.C:
			records := cache.Get()
			if len(records) > 0 {
				r := records[0]
				addr := fmt.Sprintf("%s:%d", r.Host, r.Port)
				l.Info("discovered_host", "instance", r.InstanceName, "addr", addr)
				return addr, nil
			}
		}
	}
}
