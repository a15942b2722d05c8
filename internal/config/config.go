// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Run mode selection. Auto probes the bridge and falls back to demo
// when it is unreachable; demo and live pin the producer.
const (
	ModeAuto = "auto"
	ModeDemo = "demo"
	ModeLive = "live"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // zero disables the write deadline; SSE streams need unbounded writes
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Bridge settings.
	BridgeURL     string
	Mode          string // "auto", "demo", or "live"
	ProbeTimeout  time.Duration
	ProbeCacheTTL time.Duration

	// Run history. Empty path disables persistence.
	HistoryPath string

	// Rate limiting for the submit endpoint.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// CORS. Empty means no cross-origin access.
	CORSAllowedOrigins []string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first one.
func Load() (Config, error) {
	var errs []error

	port, err := envInt("SPECVIZ_PORT", 8090)
	if err != nil {
		errs = append(errs, err)
	}
	readTimeout, err := envDuration("SPECVIZ_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	writeTimeout, err := envDuration("SPECVIZ_WRITE_TIMEOUT", 0)
	if err != nil {
		errs = append(errs, err)
	}
	shutdownTimeout, err := envDuration("SPECVIZ_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	maxBodyBytes, err := envInt("SPECVIZ_MAX_BODY_BYTES", 64*1024)
	if err != nil {
		errs = append(errs, err)
	}
	probeTimeout, err := envDuration("SPECVIZ_PROBE_TIMEOUT", 2*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	probeCacheTTL, err := envDuration("SPECVIZ_PROBE_CACHE_TTL", 15*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	rateLimitEnabled, err := envBool("SPECVIZ_RATE_LIMIT_ENABLED", true)
	if err != nil {
		errs = append(errs, err)
	}
	rateLimitRPS, err := envFloat("SPECVIZ_RATE_LIMIT_RPS", 1)
	if err != nil {
		errs = append(errs, err)
	}
	rateLimitBurst, err := envInt("SPECVIZ_RATE_LIMIT_BURST", 5)
	if err != nil {
		errs = append(errs, err)
	}
	otelInsecure, err := envBool("SPECVIZ_OTEL_INSECURE", false)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	// Setting SPECVIZ_HISTORY_PATH to the empty string disables persistence;
	// leaving it unset keeps the default database file.
	historyPath := "specviz.db"
	if v, ok := os.LookupEnv("SPECVIZ_HISTORY_PATH"); ok {
		historyPath = v
	}

	cfg := Config{
		Port:               port,
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		ShutdownTimeout:    shutdownTimeout,
		MaxBodyBytes:       int64(maxBodyBytes),
		BridgeURL:          envStr("SPECVIZ_BRIDGE_URL", "http://localhost:8000"),
		Mode:               envStr("SPECVIZ_MODE", ModeAuto),
		ProbeTimeout:       probeTimeout,
		ProbeCacheTTL:      probeCacheTTL,
		HistoryPath:        historyPath,
		RateLimitEnabled:   rateLimitEnabled,
		RateLimitRPS:       rateLimitRPS,
		RateLimitBurst:     rateLimitBurst,
		CORSAllowedOrigins: splitOrigins(os.Getenv("SPECVIZ_CORS_ALLOWED_ORIGINS")),
		OTELEndpoint:       envStr("SPECVIZ_OTEL_ENDPOINT", ""),
		OTELInsecure:       otelInsecure,
		ServiceName:        envStr("SPECVIZ_SERVICE_NAME", "specviz"),
		LogLevel:           envStr("SPECVIZ_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: SPECVIZ_PORT must be in [1, 65535], got %d", c.Port)
	}
	switch c.Mode {
	case ModeAuto, ModeDemo, ModeLive:
	default:
		return fmt.Errorf("config: SPECVIZ_MODE must be %q, %q, or %q", ModeAuto, ModeDemo, ModeLive)
	}
	if c.Mode != ModeDemo && c.BridgeURL == "" {
		return fmt.Errorf("config: SPECVIZ_BRIDGE_URL is required unless SPECVIZ_MODE=demo")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: SPECVIZ_LOG_LEVEL must be debug, info, warn, or error")
	}
	for name, d := range map[string]time.Duration{
		"SPECVIZ_READ_TIMEOUT":     c.ReadTimeout,
		"SPECVIZ_WRITE_TIMEOUT":    c.WriteTimeout,
		"SPECVIZ_SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
		"SPECVIZ_PROBE_TIMEOUT":    c.ProbeTimeout,
		"SPECVIZ_PROBE_CACHE_TTL":  c.ProbeCacheTTL,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: SPECVIZ_MAX_BODY_BYTES must be positive")
	}
	if c.RateLimitEnabled {
		if c.RateLimitRPS <= 0 {
			return fmt.Errorf("config: SPECVIZ_RATE_LIMIT_RPS must be positive when rate limiting is enabled")
		}
		if c.RateLimitBurst <= 0 {
			return fmt.Errorf("config: SPECVIZ_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
		}
	}
	return nil
}

// splitOrigins parses a comma-separated origin list, dropping blanks.
func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var origins []string
	for _, part := range strings.Split(s, ",") {
		if o := strings.TrimSpace(part); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
