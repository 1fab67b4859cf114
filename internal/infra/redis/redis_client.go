package redis

import (
	"context"
	"strings"

	"screening-engine/internal/config"

	"github.com/go-redis/redis/v8"
)

// Client wraps the go-redis client shared by the job store, the lock and
// the shared quota.
type Client struct {
	cli *redis.Client
}

// NewClient connects and pings. cfg.URL is either host:port or a
// redis:// URL; an explicit password or db in cfg wins over the URL.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	opts := &redis.Options{Addr: cfg.URL}
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Client{cli: c}, nil
}

// NewClientFrom wraps an existing go-redis client (tests, custom options).
func NewClientFrom(cli *redis.Client) *Client { return &Client{cli: cli} }

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Close() error { return c.cli.Close() }
