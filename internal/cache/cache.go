// Package cache keeps the latest ticker, depth and candle of every feed in
// Redis, CBOR-encoded, for the read API and for restarts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
)

// Client is the subset of redis.UniversalClient the cache uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config configures the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration // Expiry of cached values, 0 = none
	KeyPrefix string        // Prepended to every key, e.g. "feeds:"
}

// Cache stores latest values.
type Cache struct {
	client Client
	ttl    time.Duration
	prefix string
	enc    cbor.EncMode
	logger *slog.Logger
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return New(client, cfg, logger), nil
}

// New wraps an existing client.
func New(client Client, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	// Canonical encoding keeps equal values byte-identical.
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return &Cache{
		client: client,
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		enc:    enc,
		logger: logger.With("component", "cache"),
	}
}

// PutTicker stores t as the latest ticker of its pair.
func (c *Cache) PutTicker(ctx context.Context, t model.Ticker) error {
	return c.put(ctx, c.key("ticker", t.Exchange, t.Pair), t)
}

// Ticker returns the latest ticker, false if none is cached.
func (c *Cache) Ticker(ctx context.Context, exchangeName, pair string) (model.Ticker, bool, error) {
	var t model.Ticker
	ok, err := c.get(ctx, c.key("ticker", exchangeName, pair), &t)
	return t, ok, err
}

// Tickers returns every cached ticker of an exchange.
func (c *Cache) Tickers(ctx context.Context, exchangeName string) ([]model.Ticker, error) {
	keys, err := c.scan(ctx, c.key("ticker", exchangeName, "*"))
	if err != nil {
		return nil, err
	}

	out := make([]model.Ticker, 0, len(keys))
	for _, key := range keys {
		var t model.Ticker
		ok, err := c.get(ctx, key, &t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// PutDepth stores d as the latest book of its pair.
func (c *Cache) PutDepth(ctx context.Context, d model.Depth) error {
	return c.put(ctx, c.key("depth", d.Exchange, d.Pair), d)
}

// Depth returns the latest book, false if none is cached.
func (c *Cache) Depth(ctx context.Context, exchangeName, pair string) (model.Depth, bool, error) {
	var d model.Depth
	ok, err := c.get(ctx, c.key("depth", exchangeName, pair), &d)
	return d, ok, err
}

// PutCandle stores k as the latest candle of its pair and timeframe. Older
// candles than the cached one are ignored.
func (c *Cache) PutCandle(ctx context.Context, k model.Candle) error {
	key := c.key("candle", k.Exchange, k.Pair, exchange.FormatTimeframe(k.Timeframe))

	var cur model.Candle
	ok, err := c.get(ctx, key, &cur)
	if err != nil {
		return err
	}
	if ok && cur.OpenTS > k.OpenTS {
		return nil
	}
	return c.put(ctx, key, k)
}

// Candle returns the latest candle, false if none is cached.
func (c *Cache) Candle(ctx context.Context, exchangeName, pair string, timeframe time.Duration) (model.Candle, bool, error) {
	var k model.Candle
	ok, err := c.get(ctx, c.key("candle", exchangeName, pair, exchange.FormatTimeframe(timeframe)), &k)
	return k, ok, err
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) key(kind string, parts ...string) string {
	return c.prefix + kind + ":" + strings.Join(parts, ":")
}

func (c *Cache) put(ctx context.Context, key string, v any) error {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (c *Cache) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := c.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", match, err)
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
