package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/softkvm/softkvm/internal/config"
	"github.com/softkvm/softkvm/internal/tlscfg"
)

// loadOrGenerateIdentity reads a persisted (cert, key) PEM pair from
// cfg.CertPath/KeyPath if both are set and exist, otherwise generates a
// fresh ephemeral identity and, if a path was given, persists it for next
// launch so this host's fingerprint stays stable across restarts (§4.3).
// A permission error reading either file is returned, wrapping
// fs.ErrPermission.
func loadOrGenerateIdentity(cfg *config.ServerConfig, l *slog.Logger) (*tlscfg.HostIdentity, error) {
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		certPEM, certErr := os.ReadFile(cfg.CertPath)
		keyPEM, keyErr := os.ReadFile(cfg.KeyPath)
		if errors.Is(certErr, fs.ErrPermission) || errors.Is(keyErr, fs.ErrPermission) {
			return nil, fmt.Errorf("identity: read %s/%s: %w", cfg.CertPath, cfg.KeyPath, errors.Join(certErr, keyErr))
		}
		if certErr == nil && keyErr == nil {
			identity, err := tlscfg.LoadHostIdentity(certPEM, keyPEM)
			if err != nil {
				return nil, fmt.Errorf("identity: load %s/%s: %w", cfg.CertPath, cfg.KeyPath, err)
			}
			l.Info("identity_loaded", "cert_path", cfg.CertPath, "fingerprint", identity.Fingerprint)
			return identity, nil
		}
	}

	identity, err := tlscfg.GenerateHostIdentity(tlscfg.DefaultCommonName, tlscfg.DefaultValidity)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	l.Info("identity_generated", "fingerprint", identity.Fingerprint)

	if cfg.CertPath != "" && cfg.KeyPath != "" {
		if err := os.WriteFile(cfg.CertPath, identity.CertPEM, 0o644); err != nil {
			l.Warn("identity_persist_failed", "path", cfg.CertPath, "error", err)
		}
		if err := os.WriteFile(cfg.KeyPath, identity.KeyPEM, 0o600); err != nil {
			l.Warn("identity_persist_failed", "path", cfg.KeyPath, "error", err)
		}
	}
	return identity, nil
}
