// Package redis keeps the miner's live state in Redis: the work being mined,
// the latest stats sample, submission counters and recently found blocks.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/pkg/errors"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = stderrors.New("redis: key not found")

// Client wraps Redis operations for the miner
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// Prefix namespaces every key, typically the service name.
	Prefix      string
	DialTimeout time.Duration
}

// NewClient parses the URL, connects and pings
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "redis_parse_url",
			"invalid Redis URL")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	c := newClient(redis.NewClient(opts), cfg.Prefix)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.Health(pingCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "gominer"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "redis_ping", "failed to ping Redis")
	}
	return nil
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Live state

// SetCurrentWork stores a description of the work being mined
func (c *Client) SetCurrentWork(ctx context.Context, work any) error {
	return c.setJSON(ctx, "set_current_work", c.key("current_work"), work, 0)
}

// GetCurrentWork decodes the stored work into dest
func (c *Client) GetCurrentWork(ctx context.Context, dest any) error {
	return c.getJSON(ctx, "get_current_work", c.key("current_work"), dest)
}

// SetStats stores the latest stats sample. It expires after ttl so a dead
// miner does not leave stale numbers behind.
func (c *Client) SetStats(ctx context.Context, stats any, ttl time.Duration) error {
	return c.setJSON(ctx, "set_stats", c.key("stats"), stats, ttl)
}

// GetStats decodes the latest stats sample into dest
func (c *Client) GetStats(ctx context.Context, dest any) error {
	return c.getJSON(ctx, "get_stats", c.key("stats"), dest)
}

// Counters

// IncrementCounter increments a named counter. A positive expiration is
// refreshed on every increment.
func (c *Client) IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error) {
	key := c.key("counter", name)

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "increment_counter",
			"failed to increment counter").
			WithContext("key", key)
	}
	return incrCmd.Val(), nil
}

// GetCounter returns a counter, zero if it was never incremented
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	key := c.key("counter", name)
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "get_counter",
			"failed to get counter").
			WithContext("key", key)
	}
	return val, nil
}

// Found blocks

// PushRecentBlock prepends a block to the recent list and keeps the newest keep entries
func (c *Client) PushRecentBlock(ctx context.Context, block any, keep int64) error {
	data, err := json.Marshal(block)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "push_recent_block",
			"failed to marshal block")
	}

	key := c.key("recent_blocks")
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	if keep > 0 {
		pipe.LTrim(ctx, key, 0, keep-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "push_recent_block",
			"failed to push recent block").
			WithContext("key", key)
	}
	return nil
}

// RecentBlocks returns up to n raw JSON entries, newest first
func (c *Client) RecentBlocks(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	key := c.key("recent_blocks")
	out, err := c.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "recent_blocks",
			"failed to read recent blocks").
			WithContext("key", key)
	}
	return out, nil
}

func (c *Client) setJSON(ctx context.Context, operation, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, operation, "failed to marshal value").
			WithContext("key", key)
	}

	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, operation, "failed to write to Redis").
			WithContext("key", key)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, operation, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return errors.Wrap(ErrNotFound, errors.ErrorTypeStorage, operation, "key not found").
				WithContext("key", key)
		}
		return errors.Wrap(err, errors.ErrorTypeStorage, operation, "failed to read from Redis").
			WithContext("key", key)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, operation, "failed to decode value").
			WithContext("key", key)
	}
	return nil
}
