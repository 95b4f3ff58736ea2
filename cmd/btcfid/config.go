package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	gatewayconfig "btcfi/gateway/config"
	"btcfi/observability/logging"
	"btcfi/services/keeper"
)

// envPrefix scopes every environment override, e.g. BTCFI_DATA_DIR or
// BTCFI_GATEWAY_AUTH_HMAC_SECRET.
const envPrefix = "BTCFI"

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Driver  string `yaml:"driver" envconfig:"DRIVER"`
	DSN     string `yaml:"dsn" envconfig:"DSN"`
	// VerifyOnStart walks the hash chain before serving.
	VerifyOnStart bool `yaml:"verifyOnStart" envconfig:"VERIFY_ON_START"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" envconfig:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" envconfig:"INSECURE"`
	Headers     string  `yaml:"headers" envconfig:"HEADERS"`
	Metrics     bool    `yaml:"metrics" envconfig:"METRICS"`
	Traces      bool    `yaml:"traces" envconfig:"TRACES"`
	SampleRatio float64 `yaml:"sampleRatio" envconfig:"SAMPLE_RATIO"`
}

// Config is the daemon configuration. The protocol itself (assets, markets,
// tiers, genesis) lives in the TOML file named by Protocol.
type Config struct {
	Environment     string        `yaml:"environment" envconfig:"ENV"`
	DataDir         string        `yaml:"dataDir" envconfig:"DATA_DIR"`
	Protocol        string        `yaml:"protocol" envconfig:"PROTOCOL_CONFIG"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`

	Logging   logging.Options      `yaml:"logging" ignored:"true"`
	Telemetry TelemetryConfig      `yaml:"telemetry" ignored:"true"`
	Journal   JournalConfig        `yaml:"journal" ignored:"true"`
	Keeper    keeper.Config        `yaml:"keeper" ignored:"true"`
	Gateway   gatewayconfig.Config `yaml:"gateway" ignored:"true"`
}

func defaultConfig() Config {
	return Config{
		DataDir:         "./data",
		Protocol:        "./btcfi.toml",
		ShutdownTimeout: 15 * time.Second,
		Journal: JournalConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "file:./data/journal.db?_pragma=journal_mode(WAL)",
		},
		Keeper:  keeper.Config{Schedule: keeper.DefaultSchedule, Refresh: true, AccrueLoans: true},
		Gateway: gatewayconfig.Default(),
	}
}

// loadConfig layers the YAML file, defaults and environment overrides, then
// validates the result. An empty path uses defaults and the environment.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.Gateway.ApplyDefaults()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv processes each section under its own prefix so keys stay flat.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target interface{}
	}{
		{envPrefix, cfg},
		{envPrefix, &cfg.Logging},
		{envPrefix, &cfg.Keeper},
		{envPrefix + "_TELEMETRY", &cfg.Telemetry},
		{envPrefix + "_JOURNAL", &cfg.Journal},
		{envPrefix + "_GATEWAY", &cfg.Gateway},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("environment: %w", err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("dataDir is required")
	}
	if strings.TrimSpace(c.Protocol) == "" {
		return errors.New("protocol config path is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdownTimeout must be positive")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.DSN) == "" {
		return errors.New("journal.dsn is required when the journal is enabled")
	}
	if c.Keeper.Enabled && strings.TrimSpace(c.Keeper.Account) == "" {
		return keeper.ErrNotConfigured
	}
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
