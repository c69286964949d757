// Package cache provides the key/value store the token vault keeps its
// records in. Two backends are supplied: an in-process memory cache and
// Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/davidpede/authAzureAD/sdk/errs"
)

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// NoExpiration is the ttl for entries that never expire.
const NoExpiration time.Duration = 0

// Client is a string key/value cache.
type Client interface {
	// Get returns the value for key, or an error wrapping errs.ErrNotFound
	// when the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Set upserts the value for key. A ttl of NoExpiration never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Add stores the value only when key is absent and reports whether it
	// did. The check and the write are atomic.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend's resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New returns the Client for cfg.Driver. An empty driver selects the memory
// backend.
func New(ctx context.Context, cfg Config) (Client, error) {
	const op = "cache.New"
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(cfg.Prefix), nil
	case DriverRedis:
		return NewRedis(ctx, cfg)
	default:
		return nil, errs.New(errs.ErrConfig, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("unknown cache driver %q", cfg.Driver)), errs.WithFatal())
	}
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

func notFound(op, key string) error {
	return errs.New(errs.ErrNotFound, errs.WithOp(op), errs.WithMsg(fmt.Sprintf("key %q", key)))
}
