package cache

import (
	"context"
	"errors"
	"time"

	"github.com/davidpede/authAzureAD/sdk/errs"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// Redis is a Client backed by a Redis server, shared by every process
// pointing at it.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Client = (*Redis)(nil)

// NewRedis connects to cfg.Addr and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	const op = "cache.NewRedis"
	if cfg.Addr == "" {
		return nil, errs.New(errs.ErrConfig, errs.WithOp(op), errs.WithMsg("redis address is empty"), errs.WithFatal())
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.Wrap(err, errs.ErrConfig, errs.WithOp(op), errs.WithMsg("redis ping failed"), errs.WithFatal())
	}
	return &Redis{client: rdb, prefix: cfg.Prefix}, nil
}

func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	const op = "Redis.Get"
	val, err := c.client.Get(ctx, prefixed(c.prefix, key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", notFound(op, key)
	case err != nil:
		return "", errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return val, nil
}

// Set stores value; go-redis treats a zero ttl as no expiration.
func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	const op = "Redis.Set"
	if err := c.client.Set(ctx, prefixed(c.prefix, key), value, ttl).Err(); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return nil
}

func (c *Redis) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	const op = "Redis.Add"
	added, err := c.client.SetNX(ctx, prefixed(c.prefix, key), value, ttl).Result()
	if err != nil {
		return false, errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return added, nil
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	const op = "Redis.Delete"
	if err := c.client.Del(ctx, prefixed(c.prefix, key)).Err(); err != nil {
		return errs.Wrap(err, errs.ErrStorage, errs.WithOp(op))
	}
	return nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}
