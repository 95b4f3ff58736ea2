package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute" envconfig:"RPM"`
	Burst             int     `yaml:"burst" envconfig:"BURST"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" envconfig:"SERVICE_NAME"`
	Metrics       bool   `yaml:"metrics" envconfig:"METRICS"`
	Tracing       bool   `yaml:"tracing" envconfig:"TRACING"`
	LogRequests   bool   `yaml:"logRequests" envconfig:"LOG_REQUESTS"`
	MetricsPrefix string `yaml:"metricsPrefix" envconfig:"METRICS_PREFIX"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
}

type Config struct {
	ListenAddress string              `yaml:"listen" envconfig:"LISTEN"`
	ReadTimeout   time.Duration       `yaml:"readTimeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout" envconfig:"IDLE_TIMEOUT"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" envconfig:"RATE_LIMIT"`
	Observability ObservabilityConfig `yaml:"observability" envconfig:"OBSERVABILITY"`
	Auth          AuthConfig          `yaml:"auth" envconfig:"AUTH"`
	Security      SecurityConfig      `yaml:"security" envconfig:"SECURITY"`
	CORS          CORSConfig          `yaml:"cors" envconfig:"CORS"`
}

// AuthConfig configures bearer token checks. The token subject is the
// calling account and the roles claim gates administrative routes.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled" envconfig:"ENABLED"`
	HMACSecret string        `yaml:"hmacSecret" envconfig:"HMAC_SECRET"`
	Issuer     string        `yaml:"issuer" envconfig:"ISSUER"`
	Audience   string        `yaml:"audience" envconfig:"AUDIENCE"`
	RolesClaim string        `yaml:"rolesClaim" envconfig:"ROLES_CLAIM"`
	ClockSkew  time.Duration `yaml:"clockSkew" envconfig:"CLOCK_SKEW"`
	enabledSet bool
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled    *bool         `yaml:"enabled"`
		HMACSecret string        `yaml:"hmacSecret"`
		Issuer     string        `yaml:"issuer"`
		Audience   string        `yaml:"audience"`
		RolesClaim string        `yaml:"rolesClaim"`
		ClockSkew  time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
		a.enabledSet = true
	} else {
		a.Enabled = false
		a.enabledSet = false
	}
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.RolesClaim = raw.RolesClaim
	a.ClockSkew = raw.ClockSkew
	return nil
}

type SecurityConfig struct {
	TLSCertFile string `yaml:"tlsCertFile" envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tlsKeyFile" envconfig:"TLS_KEY_FILE"`
}

// TLSEnabled reports whether both halves of the key pair are configured.
func (s SecurityConfig) TLSEnabled() bool {
	return strings.TrimSpace(s.TLSCertFile) != "" && strings.TrimSpace(s.TLSKeyFile) != ""
}

// Default returns the gateway defaults: authenticated, metered and traced.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		RateLimit:     RateLimitConfig{RequestsPerMinute: 600, Burst: 50},
		Observability: ObservabilityConfig{
			ServiceName:   "btcfi-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		Auth: AuthConfig{
			Enabled:    true,
			RolesClaim: "roles",
			ClockSkew:  2 * time.Minute,
			enabledSet: true,
		},
	}
}

// Load decodes a standalone gateway YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
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
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values left by a partial document.
func (cfg *Config) ApplyDefaults() {
	if cfg == nil {
		return
	}
	def := Default()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if cfg.Observability.MetricsPrefix == "" {
		cfg.Observability.MetricsPrefix = def.Observability.MetricsPrefix
	}
	// An auth section that omits enabled stays secure.
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = def.Auth.ClockSkew
	}
	if cfg.Auth.RolesClaim == "" {
		cfg.Auth.RolesClaim = def.Auth.RolesClaim
	}
}

var ErrAuthSecretMissing = errors.New("auth.hmacSecret is required when auth is enabled")

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretMissing
	}
	if (strings.TrimSpace(cfg.Security.TLSCertFile) == "") != (strings.TrimSpace(cfg.Security.TLSKeyFile) == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must be set together")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values must not be negative")
	}
	for i, origin := range cfg.CORS.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("cors.allowedOrigins[%d] cannot be empty", i)
		}
	}
	return nil
}
