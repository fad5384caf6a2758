// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultHTTPTimeout    = 15 * time.Second
	defaultResendCooldown = 60 * time.Second
	defaultCodeTTL        = 10 * time.Minute
	defaultGrantTTL       = 15 * time.Minute
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// PortalAPIURL is the base URL of the portal API (e.g. http://localhost:8080/api). Public result routes live under /public/results.
	PortalAPIURL string `mapstructure:"PORTAL_API_URL"`
	// HTTPTimeout is the per-request timeout for portal calls (e.g. "15s").
	HTTPTimeout string `mapstructure:"HTTP_TIMEOUT"`
	// OTPCodeLength is the number of digits a verification code must have (4–10); default 6.
	OTPCodeLength int `mapstructure:"OTP_CODE_LENGTH"`
	// ResendCooldown is the client-side wait before a new code may be requested (e.g. "60s").
	ResendCooldown string `mapstructure:"RESEND_COOLDOWN"`
	// DefaultCodeTTL is the expiry assumed when the server does not send expiresInMinutes.
	DefaultCodeTTL string `mapstructure:"DEFAULT_CODE_TTL"`
	// DownloadDir is where downloaded PDFs are written.
	DownloadDir string `mapstructure:"DOWNLOAD_DIR"`
	// PDFViewer is an optional command used to open a viewed PDF (e.g. "xdg-open").
	PDFViewer string `mapstructure:"PDF_VIEWER"`

	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "console" or "json".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OpenTelemetry service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Env is the application environment (e.g. "development", "production"). The sandbox refuses to expose codes in production.
	Env string `mapstructure:"APP_ENV"`

	// Sandbox-only settings.
	SandboxAddr string `mapstructure:"SANDBOX_ADDR"`
	// SandboxFixtures is a YAML file with results to serve; empty uses the built-in demo results.
	SandboxFixtures string `mapstructure:"SANDBOX_FIXTURES"`
	SandboxCodeTTL  string `mapstructure:"SANDBOX_CODE_TTL"`
	// SandboxResendCooldown is the server-side cooldown, enforced independently of the client guard.
	SandboxResendCooldown string `mapstructure:"SANDBOX_RESEND_COOLDOWN"`
	SandboxMaxAttempts    int    `mapstructure:"SANDBOX_MAX_ATTEMPTS"`
	SandboxGrantTTL       string `mapstructure:"SANDBOX_GRANT_TTL"`
	// SandboxSigningKey is an EC private key (inline PEM or file path) for download grants; empty generates one per run.
	SandboxSigningKey string `mapstructure:"SANDBOX_SIGNING_KEY"`
	// SandboxExposeCodes enables GET /dev/otp/{id}. Must not be true when Env is production.
	SandboxExposeCodes   bool `mapstructure:"SANDBOX_EXPOSE_CODES"`
	SandboxRatePerMinute int  `mapstructure:"SANDBOX_RATE_PER_MINUTE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("PORTAL_API_URL", "http://localhost:8080/api")
	v.SetDefault("HTTP_TIMEOUT", "15s")
	v.SetDefault("OTP_CODE_LENGTH", 6)
	v.SetDefault("RESEND_COOLDOWN", "60s")
	v.SetDefault("DEFAULT_CODE_TTL", "10m")
	v.SetDefault("DOWNLOAD_DIR", ".")
	v.SetDefault("PDF_VIEWER", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "medlab-resultaccess")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("SANDBOX_ADDR", ":8080")
	v.SetDefault("SANDBOX_FIXTURES", "")
	v.SetDefault("SANDBOX_CODE_TTL", "10m")
	v.SetDefault("SANDBOX_RESEND_COOLDOWN", "60s")
	v.SetDefault("SANDBOX_MAX_ATTEMPTS", 3)
	v.SetDefault("SANDBOX_GRANT_TTL", "15m")
	v.SetDefault("SANDBOX_SIGNING_KEY", "")
	v.SetDefault("SANDBOX_EXPOSE_CODES", false)
	v.SetDefault("SANDBOX_RATE_PER_MINUTE", 30)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.PortalAPIURL) == "" {
		return nil, errors.New("config: PORTAL_API_URL must be set")
	}
	u, err := url.Parse(cfg.PortalAPIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("config: PORTAL_API_URL must be an absolute http(s) URL, got %q", cfg.PortalAPIURL)
	}

	if cfg.OTPCodeLength == 0 {
		cfg.OTPCodeLength = 6
	}
	if cfg.OTPCodeLength < 4 || cfg.OTPCodeLength > 10 {
		return nil, errors.New("config: OTP_CODE_LENGTH must be between 4 and 10")
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "", "console", "json":
	default:
		return nil, fmt.Errorf("config: LOG_FORMAT must be console or json, got %q", cfg.LogFormat)
	}

	if cfg.SandboxExposeCodes && cfg.Env == "production" {
		return nil, errors.New("config: SANDBOX_EXPOSE_CODES must not be true when APP_ENV=production")
	}
	if cfg.SandboxMaxAttempts <= 0 {
		cfg.SandboxMaxAttempts = 3
	}
	if cfg.SandboxRatePerMinute <= 0 {
		cfg.SandboxRatePerMinute = 30
	}

	return &cfg, nil
}

// RequestTimeout parses HTTPTimeout. Returns 15s if unset or invalid.
func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.HTTPTimeout, defaultHTTPTimeout)
}

// ResendCooldownDuration parses ResendCooldown. Returns 60s if unset or invalid.
func (c *Config) ResendCooldownDuration() time.Duration {
	return parseDuration(c.ResendCooldown, defaultResendCooldown)
}

// DefaultCodeTTLDuration parses DefaultCodeTTL. Returns 10m if unset or invalid.
func (c *Config) DefaultCodeTTLDuration() time.Duration {
	return parseDuration(c.DefaultCodeTTL, defaultCodeTTL)
}

// SandboxCodeTTLDuration parses SandboxCodeTTL. Returns 10m if unset or invalid.
func (c *Config) SandboxCodeTTLDuration() time.Duration {
	return parseDuration(c.SandboxCodeTTL, defaultCodeTTL)
}

// SandboxResendCooldownDuration parses SandboxResendCooldown. Returns 60s if unset or invalid.
func (c *Config) SandboxResendCooldownDuration() time.Duration {
	return parseDuration(c.SandboxResendCooldown, defaultResendCooldown)
}

// SandboxGrantTTLDuration parses SandboxGrantTTL. Returns 15m if unset or invalid.
func (c *Config) SandboxGrantTTLDuration() time.Duration {
	return parseDuration(c.SandboxGrantTTL, defaultGrantTTL)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
