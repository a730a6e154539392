// Package readcache keeps recent read results in Redis so repeated lookups
// skip the database. Entries are versioned by a per-table generation that
// every successful mutation bumps.
package readcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sp-gateway/internal/logging"
)

const (
	DefaultTTL         = 30 * time.Second
	DefaultKeyPrefix   = "spgw"
	DefaultDialTimeout = 5 * time.Second
)

// Config holds Redis connection and entry settings.
type Config struct {
	Enabled     bool
	Address     string
	Password    string
	DB          int
	TTL         time.Duration
	KeyPrefix   string
	DialTimeout time.Duration
	PoolSize    int
}

// Client is the subset of *redis.Client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// Cache is safe for concurrent use. A nil *Cache is a disabled cache.
type Cache struct {
	client Client
	ttl    time.Duration
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache address is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		DialTimeout:  dialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Cache{client: client, ttl: ttl, prefix: prefix}
}

// Slot names the entry a read looked up. It pins the table generation seen
// before the database call, so rows fetched across a concurrent mutation are
// filed under the orphaned generation and never served.
type Slot struct {
	table string
	key   string
}

// Get returns the cached rows for a read call, plus the slot to fill on a
// miss. The zero Slot is returned when the key could not be built.
func (c *Cache) Get(ctx context.Context, table, procedure string, args []any) ([]map[string]any, Slot, bool) {
	if c == nil {
		return nil, Slot{}, false
	}
	key, err := c.entryKey(ctx, table, procedure, args)
	if err != nil {
		c.warn(ctx, "cache key lookup failed", table, err)
		return nil, Slot{}, false
	}
	slot := Slot{table: table, key: key}

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, slot, false
	}
	if err != nil {
		c.warn(ctx, "cache get failed", table, err)
		return nil, slot, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		c.warn(ctx, "cache entry decode failed", table, err)
		return nil, slot, false
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, slot, true
}

// Set stores rows in a slot returned by Get. A zero Slot is ignored.
func (c *Cache) Set(ctx context.Context, slot Slot, rows []map[string]any) {
	if c == nil || slot.key == "" {
		return
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		c.warn(ctx, "cache entry encode failed", slot.table, err)
		return
	}
	if err := c.client.Set(ctx, slot.key, payload, c.ttl).Err(); err != nil {
		c.warn(ctx, "cache set failed", slot.table, err)
	}
}

// Invalidate bumps the table generation so existing entries are never read again.
func (c *Cache) Invalidate(ctx context.Context, table string) {
	if c == nil {
		return
	}
	if err := c.client.Incr(ctx, c.generationKey(table)).Err(); err != nil {
		c.warn(ctx, "cache invalidation failed", table, err)
	}
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) generationKey(table string) string {
	return c.prefix + ":" + table + ":gen"
}

func (c *Cache) generation(ctx context.Context, table string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(table)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Cache) entryKey(ctx context.Context, table, procedure string, args []any) (string, error) {
	gen, err := c.generation(ctx, table)
	if err != nil {
		return "", err
	}
	digest, err := argsDigest(args)
	if err != nil {
		return "", err
	}
	return c.prefix + ":" + table + ":g" + strconv.FormatInt(gen, 10) + ":" + procedure + ":" + digest, nil
}

func argsDigest(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Cache) warn(ctx context.Context, msg, table string, err error) {
	logging.FromContext(ctx).Warn(msg,
		slog.String("table", table),
		slog.String("error", err.Error()),
	)
}
