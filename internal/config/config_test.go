package config

import (
	"testing"
)

func TestParseServerFlagsDefaults(t *testing.T) {
	cfg, showVersion, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("ParseServerFlags: %v", err)
	}
	if showVersion {
		t.Fatalf("expected showVersion false")
	}
	if cfg.ListenAddr != ":7890" {
		t.Fatalf("ListenAddr = %q, want :7890", cfg.ListenAddr)
	}
	if cfg.InjectorBackend != "wayland" {
		t.Fatalf("InjectorBackend = %q, want wayland", cfg.InjectorBackend)
	}
}

func TestParseServerFlagsRejectsBadInjector(t *testing.T) {
	_, _, err := ParseServerFlags([]string{"-injector-backend=bogus"})
	if err == nil {
		t.Fatalf("expected validation error for bad injector backend")
	}
}

func TestParseServerFlagsRejectsBadIdleOrdering(t *testing.T) {
	_, _, err := ParseServerFlags([]string{"-idle-soft-timeout=10m", "-idle-hard-timeout=5m"})
	if err == nil {
		t.Fatalf("expected validation error when hard timeout <= soft timeout")
	}
}

func TestParseServerFlagsEnvOverride(t *testing.T) {
	t.Setenv("SOFTKVM_SERVER_LISTEN", ":9999")
	cfg, _, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatalf("ParseServerFlags: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr = %q, want :9999 from env", cfg.ListenAddr)
	}
}

func TestParseServerFlagsExplicitFlagWinsOverEnv(t *testing.T) {
	t.Setenv("SOFTKVM_SERVER_LISTEN", ":9999")
	cfg, _, err := ParseServerFlags([]string{"-listen=:1234"})
	if err != nil {
		t.Fatalf("ParseServerFlags: %v", err)
	}
	if cfg.ListenAddr != ":1234" {
		t.Fatalf("ListenAddr = %q, want :1234 from explicit flag", cfg.ListenAddr)
	}
}

func TestParseServerFlagsVersion(t *testing.T) {
	_, showVersion, err := ParseServerFlags([]string{"-version"})
	if err != nil {
		t.Fatalf("ParseServerFlags: %v", err)
	}
	if !showVersion {
		t.Fatalf("expected showVersion true")
	}
}

func TestParseClientFlagsDefaults(t *testing.T) {
	cfg, _, err := ParseClientFlags(nil)
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.ClientName == "" {
		t.Fatalf("expected a default client name derived from hostname")
	}
	if cfg.ReconnectMaxTries != 3 {
		t.Fatalf("ReconnectMaxTries = %d, want 3", cfg.ReconnectMaxTries)
	}
}

func TestParseClientFlagsRequiresServerWhenDiscoveryDisabled(t *testing.T) {
	_, _, err := ParseClientFlags([]string{"-no-discovery"})
	if err == nil {
		t.Fatalf("expected validation error when -no-discovery set without -server")
	}
}

func TestParseClientFlagsListAllowsNoServer(t *testing.T) {
	_, _, err := ParseClientFlags([]string{"-no-discovery", "-list"})
	if err != nil {
		t.Fatalf("ParseClientFlags: %v, want nil since -list does not dial", err)
	}
}

func TestParseClientFlagsEnvOverride(t *testing.T) {
	t.Setenv("SOFTKVM_CLIENT_RECONNECT_MAX_ATTEMPTS", "7")
	cfg, _, err := ParseClientFlags(nil)
	if err != nil {
		t.Fatalf("ParseClientFlags: %v", err)
	}
	if cfg.ReconnectMaxTries != 7 {
		t.Fatalf("ReconnectMaxTries = %d, want 7 from env", cfg.ReconnectMaxTries)
	}
}

func TestParseClientFlagsRejectsBadConnectTimeout(t *testing.T) {
	_, _, err := ParseClientFlags([]string{"-connect-timeout=0s"})
	if err == nil {
		t.Fatalf("expected validation error for zero connect-timeout")
	}
}
