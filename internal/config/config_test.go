package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gated-run/gated/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"ADDR", "PUBLIC_ENDPOINTS", "RATE_LIMIT_IP_WINDOW_MS", "RATE_LIMIT_IP_MAX",
		"RATE_LIMIT_FN_WINDOW_MS", "RATE_LIMIT_FN_MAX", "DATABASE_URL", "S3_ENDPOINT",
		"S3_BUCKET", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_USE_SSL", "SANDBOX_ENDPOINT",
		"LOG_STORE_ENDPOINT", "CORS_ORIGINS", "REAPER_SCHEDULE", "GATED_CONFIG",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoad_DefaultsWithNoPathOrEnv(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, int64(60_000), cfg.RateLimitIP.WindowMs)
	assert.Equal(t, 600, cfg.RateLimitIP.MaxRequests)
	assert.Equal(t, 120, cfg.RateLimitFunction.MaxRequests)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_IP_MAX", "10")
	t.Setenv("RATE_LIMIT_FN_MAX", "5")
	t.Setenv("PUBLIC_ENDPOINTS", "/metrics,/debug/*")
	t.Setenv("DATABASE_URL", "postgres://localhost/gated")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RateLimitIP.MaxRequests)
	assert.Equal(t, 5, cfg.RateLimitFunction.MaxRequests)
	assert.Equal(t, []string{"/metrics", "/debug/*"}, cfg.PublicEndpoints)
	assert.Equal(t, "postgres://localhost/gated", cfg.DatabaseURL)
}

func TestLoad_YAMLFileThenEnvOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gated.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
rateLimitIP:
  windowMs: 1000
  maxRequests: 50
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 50, cfg.RateLimitIP.MaxRequests)

	t.Setenv("RATE_LIMIT_IP_MAX", "99")
	cfg2, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg2.RateLimitIP.MaxRequests)
}

func TestLoad_RejectsMissingS3Bucket(t *testing.T) {
	clearEnv(t)
	t.Setenv("S3_ENDPOINT", "localhost:9000")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	clearEnv(t)
	_, err := config.Load("/nonexistent/gated.yaml")
	assert.Error(t, err)
}

func TestResolvePath_PrefersEnvVar(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATED_CONFIG", "/some/path.yaml")
	assert.Equal(t, "/some/path.yaml", config.ResolvePath())
}

func TestResolvePath_EmptyWhenNoFileOrEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	assert.Equal(t, "", config.ResolvePath())
}
