package metaminer

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the CLI and Inquiry constructors recognise.
type Config struct {
	Provider              string
	BaseURL               string
	Model                 string
	APIKey                string
	Timeout               time.Duration
	MaxRetries            int
	MaxConcurrentRequests int
	RequestsPerMinute     int
	BatchSize             int
	LogLevel              string
	EnableProgressBar     bool
	MaxFileSizeMB         int
	Cache                 CacheConfig
}

// CacheConfig selects and configures the response cache.
type CacheConfig struct {
	Backend       string // none, sqlite or redis
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

var validLogLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true}
var validProviders = map[string]bool{"openai": true, "gemini": true}
var validCacheBackends = map[string]bool{"none": true, "sqlite": true, "redis": true}

type configLoader struct {
	file    string
	dotenv  []string
	overlay map[string]any
}

// ConfigOption customises LoadConfig.
type ConfigOption func(*configLoader)

// WithConfigFile reads an additional YAML, TOML or JSON file.
func WithConfigFile(path string) ConfigOption {
	return func(l *configLoader) { l.file = path }
}

// WithDotEnv loads the given .env files instead of ./.env.
func WithDotEnv(paths ...string) ConfigOption {
	return func(l *configLoader) { l.dotenv = paths }
}

// WithOverride sets a key after all other sources, e.g. from CLI flags.
// Empty strings are ignored so unset flags keep the configured value.
func WithOverride(key string, value any) ConfigOption {
	return func(l *configLoader) {
		if s, ok := value.(string); ok && s == "" {
			return
		}
		l.overlay[key] = value
	}
}

// LoadConfig reads configuration from defaults, an optional file, .env and
// METAMINER_* environment variables, then validates it.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	l := &configLoader{overlay: map[string]any{}}
	for _, opt := range opts {
		opt(l)
	}

	if len(l.dotenv) > 0 {
		if err := godotenv.Load(l.dotenv...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("METAMINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider", "openai")
	v.SetDefault("base_url", "http://localhost:5001/api/v1")
	v.SetDefault("model", "gpt-3.5-turbo")
	v.SetDefault("api_key", "")
	v.SetDefault("timeout", "30s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("max_concurrent_requests", 3)
	v.SetDefault("requests_per_minute", 60)
	v.SetDefault("batch_size", 100)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("enable_progress_bar", true)
	v.SetDefault("max_file_size_mb", 50)

	v.SetDefault("cache.backend", "none")
	v.SetDefault("cache.path", "metaminer-cache.db")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl", "168h")

	// Well-known provider variables without the prefix.
	_ = v.BindEnv("api_key", "METAMINER_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("gemini_api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.file, err)
		}
	}
	for k, val := range l.overlay {
		v.Set(k, val)
	}

	cfg := &Config{
		Provider:              strings.ToLower(v.GetString("provider")),
		BaseURL:               v.GetString("base_url"),
		Model:                 v.GetString("model"),
		APIKey:                v.GetString("api_key"),
		Timeout:               durationSetting(v, "timeout"),
		MaxRetries:            v.GetInt("max_retries"),
		MaxConcurrentRequests: v.GetInt("max_concurrent_requests"),
		RequestsPerMinute:     v.GetInt("requests_per_minute"),
		BatchSize:             v.GetInt("batch_size"),
		LogLevel:              strings.ToUpper(v.GetString("log_level")),
		EnableProgressBar:     v.GetBool("enable_progress_bar"),
		MaxFileSizeMB:         v.GetInt("max_file_size_mb"),
		Cache: CacheConfig{
			Backend:       strings.ToLower(v.GetString("cache.backend")),
			Path:          v.GetString("cache.path"),
			RedisAddr:     v.GetString("cache.redis_addr"),
			RedisPassword: v.GetString("cache.redis_password"),
			RedisDB:       v.GetInt("cache.redis_db"),
			TTL:           durationSetting(v, "cache.ttl"),
		},
	}
	if key := v.GetString("gemini_api_key"); cfg.Provider == "gemini" && key != "" {
		cfg.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationSetting reads a duration, treating a bare number as seconds.
func durationSetting(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return v.GetDuration(key)
}

// Validate checks ranges and enumerated settings.
func (c *Config) Validate() error {
	switch {
	case !validProviders[c.Provider]:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	case c.Model == "":
		return fmt.Errorf("config: %w", ErrModelMissing)
	case c.Timeout <= 0:
		return fmt.Errorf("config: timeout must be positive, got %s", c.Timeout)
	case c.MaxRetries < 0:
		return fmt.Errorf("config: max_retries must not be negative, got %d", c.MaxRetries)
	case c.MaxConcurrentRequests <= 0:
		return fmt.Errorf("config: max_concurrent_requests must be positive, got %d", c.MaxConcurrentRequests)
	case c.RequestsPerMinute <= 0:
		return fmt.Errorf("config: requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	case c.BatchSize <= 0:
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	case c.MaxFileSizeMB <= 0:
		return fmt.Errorf("config: max_file_size_mb must be positive, got %d", c.MaxFileSizeMB)
	case !validLogLevels[c.LogLevel]:
		return fmt.Errorf("config: invalid log level %q", c.LogLevel)
	case !validCacheBackends[c.Cache.Backend]:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// Options maps the configuration onto Engine and Orchestrator options.
func (c *Config) Options() []func(*Options) {
	return []func(*Options){
		WithModel(c.Model),
		WithTimeout(c.Timeout),
		WithRetry(c.MaxRetries, time.Second),
		WithConcurrency(c.MaxConcurrentRequests),
		WithRateLimit(c.RequestsPerMinute),
		WithBatchSize(c.BatchSize),
		WithDocumentReader(NewDocumentReader(WithMaxFileSize(int64(c.MaxFileSizeMB) << 20))),
	}
}

// SlogLevel maps LogLevel onto slog levels; CRITICAL logs as error.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
