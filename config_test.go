package metaminer

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "http://localhost:5001/api/v1", cfg.BaseURL)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxConcurrentRequests)
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.EnableProgressBar)
	assert.Equal(t, 50, cfg.MaxFileSizeMB)
	assert.Equal(t, "none", cfg.Cache.Backend)
	assert.Equal(t, 168*time.Hour, cfg.Cache.TTL)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("METAMINER_MODEL", "llama3")
	t.Setenv("METAMINER_TIMEOUT", "45")
	t.Setenv("METAMINER_MAX_CONCURRENT_REQUESTS", "8")
	t.Setenv("METAMINER_LOG_LEVEL", "debug")
	t.Setenv("METAMINER_CACHE_BACKEND", "SQLite")
	t.Setenv("METAMINER_CACHE_TTL", "1h30m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "llama3", cfg.Model)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 8, cfg.MaxConcurrentRequests)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "metaminer.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"model: from-file\n"+
			"batch_size: 50\n"+
			"requests_per_minute: 30\n"+
			"cache:\n"+
			"  backend: redis\n"+
			"  redis_addr: cache:6379\n"), 0o644))

	t.Setenv("METAMINER_BATCH_SIZE", "7")

	cfg, err := LoadConfig(
		WithConfigFile(file),
		WithOverride("requests_per_minute", 12),
		WithOverride("base_url", ""),
	)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Model, "file beats default")
	assert.Equal(t, 7, cfg.BatchSize, "environment beats file")
	assert.Equal(t, 12, cfg.RequestsPerMinute, "override beats file")
	assert.Equal(t, "http://localhost:5001/api/v1", cfg.BaseURL, "empty override is ignored")
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("METAMINER_REQUESTS_PER_MINUTE=17\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("METAMINER_REQUESTS_PER_MINUTE") })

	cfg, err := LoadConfig(WithDotEnv(envFile))
	require.NoError(t, err)
	assert.Equal(t, 17, cfg.RequestsPerMinute)

	_, err = LoadConfig(WithDotEnv(filepath.Join(dir, "missing.env")))
	assert.Error(t, err)
}

func TestLoadConfig_GeminiKey(t *testing.T) {
	t.Setenv("METAMINER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gm-key")
	t.Setenv("METAMINER_PROVIDER", "gemini")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, "gm-key", cfg.APIKey)

	t.Run("gemini key wins over openai key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-openai")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "gm-key", cfg.APIKey)
	})

	t.Run("openai provider ignores gemini key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-openai")
		t.Setenv("METAMINER_PROVIDER", "openai")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "sk-openai", cfg.APIKey)
	})

	t.Run("api key used when no gemini key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "")
		t.Setenv("GOOGLE_API_KEY", "")
		t.Setenv("METAMINER_API_KEY", "mm-key")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "mm-key", cfg.APIKey)
	})
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		env, value, msg string
	}{
		{"METAMINER_PROVIDER", "anthropic", "unknown provider"},
		{"METAMINER_MAX_RETRIES", "-1", "max_retries"},
		{"METAMINER_MAX_CONCURRENT_REQUESTS", "0", "max_concurrent_requests"},
		{"METAMINER_REQUESTS_PER_MINUTE", "-5", "requests_per_minute"},
		{"METAMINER_LOG_LEVEL", "verbose", "invalid log level"},
		{"METAMINER_CACHE_BACKEND", "memcached", "unknown cache backend"},
		{"METAMINER_TIMEOUT", "0", "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := &Config{
		Model:                 "gpt-4o-mini",
		Timeout:               20 * time.Second,
		MaxRetries:            5,
		MaxConcurrentRequests: 4,
		RequestsPerMinute:     90,
		BatchSize:             25,
		MaxFileSizeMB:         2,
	}

	opts := resolveOptions(cfg.Options())
	assert.Equal(t, "gpt-4o-mini", opts.Model)
	assert.Equal(t, 20*time.Second, opts.Timeout)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 4, opts.MaxConcurrent)
	assert.Equal(t, 90, opts.RequestsPerMinute)
	assert.Equal(t, 25, opts.BatchSize)
	require.NotNil(t, opts.Reader)
	assert.Equal(t, int64(2<<20), opts.Reader.MaxFileSize)
}

func TestConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG":    slog.LevelDebug,
		"INFO":     slog.LevelInfo,
		"WARNING":  slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"CRITICAL": slog.LevelError,
	}
	for level, want := range tests {
		cfg := &Config{LogLevel: level}
		assert.Equal(t, want, cfg.SlogLevel(), level)
	}
}
