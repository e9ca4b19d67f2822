// Package config loads and validates the proxy's environment-driven
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-configurable value.
type Config struct {
	Port       int
	HealthPort int

	AllowedIPs string

	ProxyConnectTimeoutMs int
	ProxyTimeoutMs        int
	PrereadTimeoutMs      int

	RateLimitPerIP int

	LogLevel  string
	LogPretty bool

	RoutesFile     string
	AllowedIPsFile string

	ShutdownGraceMs int

	MetricsAddr string
}

// Load reads every configuration value from the environment, applying
// defaults. It does not validate; call Validate separately so callers can
// log every problem before exiting.
func Load() *Config {
	return &Config{
		Port:       envInt("PORT", 443),
		HealthPort: envInt("HEALTH_PORT", 3000),

		AllowedIPs: envString("ALLOWED_IPS", "0.0.0.0/0"),

		ProxyConnectTimeoutMs: envInt("PROXY_CONNECT_TIMEOUT", 10000),
		ProxyTimeoutMs:        envInt("PROXY_TIMEOUT", 300000),
		PrereadTimeoutMs:      envInt("PREREAD_TIMEOUT", 10000),

		RateLimitPerIP: envInt("RATE_LIMIT_PER_IP", 100),

		LogLevel:  strings.ToLower(envString("LOG_LEVEL", "info")),
		LogPretty: envBool("LOG_PRETTY", false),

		RoutesFile:     envString("ROUTES_FILE", ""),
		AllowedIPsFile: envString("ALLOWED_IPS_FILE", ""),

		ShutdownGraceMs: envInt("SHUTDOWN_GRACE", 5000),

		MetricsAddr: envString("METRICS_ADDR", ":9090"),
	}
}

// Validate checks every field and returns a single error enumerating every
// failed check, so startup can report all problems at once instead of one
// per restart.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be in 1..65535, got %d", c.Port))
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Sprintf("HEALTH_PORT must be in 1..65535, got %d", c.HealthPort))
	}
	if c.Port == c.HealthPort {
		errs = append(errs, fmt.Sprintf("PORT and HEALTH_PORT must differ, both are %d", c.Port))
	}
	if c.ProxyConnectTimeoutMs < 1000 {
		errs = append(errs, fmt.Sprintf("PROXY_CONNECT_TIMEOUT must be >= 1000ms, got %d", c.ProxyConnectTimeoutMs))
	}
	if c.ProxyTimeoutMs < 1000 {
		errs = append(errs, fmt.Sprintf("PROXY_TIMEOUT must be >= 1000ms, got %d", c.ProxyTimeoutMs))
	}
	if c.PrereadTimeoutMs < 1000 {
		errs = append(errs, fmt.Sprintf("PREREAD_TIMEOUT must be >= 1000ms, got %d", c.PrereadTimeoutMs))
	}
	if c.RateLimitPerIP < 1 {
		errs = append(errs, fmt.Sprintf("RATE_LIMIT_PER_IP must be positive, got %d", c.RateLimitPerIP))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
