package metaminer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

const defaultCacheTTL = 7 * 24 * time.Hour

// ResponseCache stores raw model responses by request key.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// CacheKey identifies a request by model, prompt and requested schema.
func CacheKey(model Model, prompt string, cfg GenerateConfig) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(cfg.SystemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write(cfg.Schema)
	if cfg.Temperature != nil {
		fmt.Fprintf(h, "\x00%g", *cfg.Temperature)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CachingInvoker answers repeated requests from a ResponseCache. Only
// responses holding a JSON object are stored, so a garbled answer is
// retried against the backend instead of being replayed.
type CachingInvoker struct {
	next  Invoker
	cache ResponseCache
	log   *slog.Logger
}

func NewCachingInvoker(next Invoker, cache ResponseCache, log *slog.Logger) *CachingInvoker {
	if log == nil {
		log = slog.Default()
	}
	return &CachingInvoker{next: next, cache: cache, log: log}
}

func (c *CachingInvoker) Generate(ctx context.Context, model Model, prompt string, opts ...GenerateOption) ([]byte, error) {
	key := CacheKey(model, prompt, NewGenerateConfig(opts...))
	if b, ok, err := c.cache.Get(ctx, key); err != nil {
		c.log.Warn("Cache lookup failed", "error", err)
	} else if ok {
		c.log.Debug("Cache hit", "key", key[:12])
		return b, nil
	}

	b, err := c.next.Generate(ctx, model, prompt, opts...)
	if err != nil {
		return nil, err
	}
	if _, ok := decodeObject(SanitizeJSONResponse(b)); ok {
		if err := c.cache.Set(ctx, key, b); err != nil {
			c.log.Warn("Cache store failed", "error", err)
		}
	}
	return b, nil
}

// NewCacheFromConfig opens the configured backend; "none" yields nil.
func NewCacheFromConfig(cfg CacheConfig) (ResponseCache, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "sqlite":
		c, err := OpenSQLiteCache(cfg.Path, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		c, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL, "")
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// SQLiteCache keeps responses in a local SQLite file.
type SQLiteCache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteCache creates (if needed) and opens the cache database.
func OpenSQLiteCache(path string, ttl time.Duration) (*SQLiteCache, error) {
	if path == "" {
		path = "metaminer-cache.db"
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := ensureWAL(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS responses (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &SQLiteCache{db: db, ttl: ttl, now: time.Now}, nil
}

func ensureWAL(db *sql.DB) error {
	const (
		maxAttempts = 5
		delay       = 200 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			if strings.Contains(err.Error(), "database is locked") {
				time.Sleep(delay)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("database is locked after retries")
}

func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM responses WHERE key = ? AND expires_at > ?`,
		key, c.now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *SQLiteCache) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO responses (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, c.now().Add(c.ttl).Unix())
	return err
}

// Purge deletes expired rows and reports how many were removed.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE expires_at <= ?`, c.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *SQLiteCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// RedisCache keeps responses in Redis under a key prefix.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(addr, password string, db int, ttl time.Duration, prefix string) (*RedisCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if prefix == "" {
		prefix = "metaminer_response"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}, nil
}

func (c *RedisCache) key(k string) string {
	return fmt.Sprintf("%s:%s", c.prefix, k)
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.key(key), value, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
