package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"btcfi/services/keeper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btcfid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigLayersYAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
environment: staging
dataDir: /var/lib/btcfi
logging:
  level: debug
journal:
  driver: postgres
  dsn: postgres://btcfi@db/btcfi
keeper:
  enabled: true
  account: bfi1placeholder
  schedule: "@every 10s"
gateway:
  listen: ":9090"
  auth:
    hmacSecret: from-file
`)
	t.Setenv("BTCFI_DATA_DIR", "/srv/btcfi")
	t.Setenv("BTCFI_LOG_LEVEL", "warn")
	t.Setenv("BTCFI_KEEPER_DUST_USD", "5")
	t.Setenv("BTCFI_GATEWAY_AUTH_HMAC_SECRET", "from-env")
	t.Setenv("BTCFI_GATEWAY_RATE_LIMIT_RPM", "120")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" || cfg.DataDir != "/srv/btcfi" {
		t.Fatalf("top level = %+v", cfg)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
	if cfg.Journal.Driver != "postgres" || !cfg.Journal.Enabled {
		t.Fatalf("journal = %+v", cfg.Journal)
	}
	if cfg.Keeper.Schedule != "@every 10s" || cfg.Keeper.DustUSD != "5" || !cfg.Keeper.Refresh {
		t.Fatalf("keeper = %+v", cfg.Keeper)
	}
	if cfg.Gateway.ListenAddress != ":9090" || cfg.Gateway.Auth.HMACSecret != "from-env" {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if !cfg.Gateway.Auth.Enabled {
		t.Fatalf("auth section without enabled must stay on")
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute != 120 {
		t.Fatalf("rpm = %v", cfg.Gateway.RateLimit.RequestsPerMinute)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "gateway:\n  listenAddr: \":1\"\n")
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	path := writeConfig(t, "keeper:\n  enabled: true\ngateway:\n  auth:\n    enabled: false\n")
	if _, err := loadConfig(path); !errors.Is(err, keeper.ErrNotConfigured) {
		t.Fatalf("expected keeper account error, got %v", err)
	}

	path = writeConfig(t, "gateway:\n  auth:\n    enabled: true\n")
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected missing secret to fail")
	}

	path = writeConfig(t, "gateway:\n  auth:\n    enabled: false\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("dev config: %v", err)
	}
	if cfg.Gateway.Auth.Enabled {
		t.Fatalf("explicit enabled: false ignored")
	}
}
