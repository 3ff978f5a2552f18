// Package config handles loading and validating gated's configuration.
// A zero-config deployment runs entirely on defaults (in-memory KV, no
// auth, generous rate limits); gated.yaml and env vars layer on top for a
// production deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig is the {windowMs, maxRequests} pair for one rate-limit
// dimension.
type RateLimitConfig struct {
	WindowMs    int64 `yaml:"windowMs"`
	MaxRequests int   `yaml:"maxRequests"`
}

// Config is the top-level gated.yaml configuration.
type Config struct {
	// Addr is the address the HTTP server listens on, e.g. ":8080".
	Addr string `yaml:"addr"`

	// PublicEndpoints are path patterns (trailing "*" for a prefix match)
	// that bypass authentication, in addition to the always-public "/"
	// and "/health".
	PublicEndpoints []string `yaml:"publicEndpoints"`

	RateLimitIP       RateLimitConfig `yaml:"rateLimitIP"`
	RateLimitFunction RateLimitConfig `yaml:"rateLimitFunction"`

	// DatabaseURL, when set, backs the Function Registry and Credential
	// Store with Postgres instead of the in-memory default.
	DatabaseURL string `yaml:"databaseUrl"`

	// S3Endpoint, when set, backs the Code Store with an S3/MinIO bucket
	// instead of the in-memory default.
	S3Endpoint   string `yaml:"s3Endpoint"`
	S3Bucket     string `yaml:"s3Bucket"`
	S3AccessKey  string `yaml:"s3AccessKey"`
	S3SecretKey  string `yaml:"s3SecretKey"`
	S3UseSSL     bool   `yaml:"s3UseSSL"`

	// SandboxEndpoint, when set, dispatches invocations over HTTP/h2c to
	// an external sandbox service instead of running without one
	// configured (every invoke then answers 501).
	SandboxEndpoint string `yaml:"sandboxEndpoint"`

	// LogStoreEndpoint is read from gated.yaml or LOG_STORE_ENDPOINT, but
	// cmd/gated does not build a logs proxy from it: the logs endpoint
	// responds 503 unless api.Server.Logs is set.
	LogStoreEndpoint string `yaml:"logStoreEndpoint"`

	// CORSOrigins lists allowed CORS origins. Empty means "*".
	CORSOrigins []string `yaml:"corsOrigins"`

	// ReaperSchedule is a cron.Parser spec for the background sweep.
	ReaperSchedule string `yaml:"reaperSchedule"`
}

// defaultRateLimitIP/defaultRateLimitFunction match spec.md's suggested
// defaults: generous enough not to surprise a zero-config deployment.
var (
	defaultRateLimitIP       = RateLimitConfig{WindowMs: 60_000, MaxRequests: 600}
	defaultRateLimitFunction = RateLimitConfig{WindowMs: 60_000, MaxRequests: 120}
)

// DefaultConfig returns the zero-config defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8080",
		RateLimitIP:       defaultRateLimitIP,
		RateLimitFunction: defaultRateLimitFunction,
		ReaperSchedule:    "@every 1m",
	}
}

// Load parses a gated.yaml file (if path is non-empty) and layers env var
// overrides on top. If path is empty, starts from the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides cfg's fields from the environment, matching spec.md
// §6's env var names. Env vars take precedence over the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PUBLIC_ENDPOINTS"); v != "" {
		c.PublicEndpoints = splitCSV(v)
	}
	if v := envInt64("RATE_LIMIT_IP_WINDOW_MS"); v != 0 {
		c.RateLimitIP.WindowMs = v
	}
	if v := envInt("RATE_LIMIT_IP_MAX"); v != 0 {
		c.RateLimitIP.MaxRequests = v
	}
	if v := envInt64("RATE_LIMIT_FN_WINDOW_MS"); v != 0 {
		c.RateLimitFunction.WindowMs = v
	}
	if v := envInt("RATE_LIMIT_FN_MAX"); v != 0 {
		c.RateLimitFunction.MaxRequests = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.S3Endpoint = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.S3Bucket = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		c.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		c.S3SecretKey = v
	}
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		c.S3UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_ENDPOINT"); v != "" {
		c.SandboxEndpoint = v
	}
	if v := os.Getenv("LOG_STORE_ENDPOINT"); v != "" {
		c.LogStoreEndpoint = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("REAPER_SCHEDULE"); v != "" {
		c.ReaperSchedule = v
	}
}

// ResolvePath finds the config file path.
// Priority: GATED_CONFIG env var > ./gated.yaml > "" (no config file).
func ResolvePath() string {
	if p := os.Getenv("GATED_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("gated.yaml"); err == nil {
		return "gated.yaml"
	}
	return ""
}

// validate checks the loaded config for internally inconsistent values.
func (c *Config) validate() error {
	if c.RateLimitIP.MaxRequests <= 0 {
		return fmt.Errorf("rateLimitIP.maxRequests must be positive")
	}
	if c.RateLimitFunction.MaxRequests <= 0 {
		return fmt.Errorf("rateLimitFunction.maxRequests must be positive")
	}
	if c.S3Endpoint != "" && c.S3Bucket == "" {
		return fmt.Errorf("s3Bucket is required when s3Endpoint is set")
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt64(name string) int64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
