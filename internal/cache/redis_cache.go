package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"droptracker/internal/logging"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
)

// Client is the shared cache-store connection. It is built once and handed
// to every component that talks to redis.
type Client struct {
	redisClient *redis.Client
	localCache  *cache.Cache
	timeout     time.Duration
	log         *slog.Logger
	mu          sync.Mutex
}

type Options struct {
	URL     string
	Timeout time.Duration
}

// NewClient connects to redis. URL may be a redis:// URL or a bare host:port.
// A failed ping is logged, not fatal; go-redis reconnects on the next command.
func NewClient(opts Options) *Client {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		redisOpts = &redis.Options{
			Addr:     opts.URL,
			Password: "", // no password set
			DB:       0,  // use default DB
		}
	}

	c := NewClientFromRedis(redis.NewClient(redisOpts), opts.Timeout)

	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	if err := c.redisClient.Ping(ctx).Err(); err != nil {
		c.log.Warn("redis connection failed, stats reads will be unavailable until it recovers", "error", err)
	} else {
		c.log.Info("redis connection established")
	}
	return c
}

func NewClientFromRedis(rdb *redis.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		redisClient: rdb,
		localCache:  cache.New(5*time.Minute, 10*time.Minute),
		timeout:     timeout,
		log:         logging.Component("cache"),
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Pipelined runs fn as one pipeline bounded by the client timeout.
func (c *Client) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redisClient.Pipelined(ctx, fn)
}

// Increment bumps a counter and sets ttl on any counter that has no expiry,
// so a key left behind by a failed EXPIRE is fixed on its next increment.
// If redis is unreachable the count is kept in process memory instead.
func (c *Client) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var incr *redis.IntCmd
	var current *redis.DurationCmd
	_, err := c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		current = pipe.TTL(ctx, key)
		return nil
	})
	if err == nil {
		if ttl > 0 && current.Val() < 0 {
			if err := c.redisClient.Expire(ctx, key, ttl).Err(); err != nil {
				return 0, &TransientStoreError{Op: "expire", Err: err}
			}
		}
		return incr.Val(), nil
	}

	c.log.Debug("redis increment failed, using local counter", "key", key, "error", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if n, err := c.localCache.IncrementInt64(key, 1); err == nil {
		return n, nil
	}
	c.localCache.Set(key, int64(1), ttl)
	return 1, nil
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.redisClient.Publish(ctx, channel, payload).Err(); err != nil {
		return &TransientStoreError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe opens a pub/sub subscription. The caller closes it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.redisClient.Subscribe(ctx, channel)
}

func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redisClient.Ping(ctx).Err() == nil
}

func (c *Client) Close() error {
	return c.redisClient.Close()
}

// TransientStoreError is a failed cache-store command or pipeline. Callers
// see stale or partially updated state.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }
