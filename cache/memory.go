package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = time.Minute

// Memory is an in-process Client backed by go-cache. It is safe for
// concurrent use but not shared between processes.
type Memory struct {
	c      *gocache.Cache
	prefix string
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty Memory cache.
func NewMemory(prefix string) *Memory {
	return &Memory{
		c:      gocache.New(gocache.NoExpiration, memoryCleanupInterval),
		prefix: prefix,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	v, ok := m.c.Get(prefixed(m.prefix, key))
	if !ok {
		return "", notFound("Memory.Get", key)
	}
	s, _ := v.(string)
	return s, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl == NoExpiration {
		ttl = gocache.NoExpiration
	}
	m.c.Set(prefixed(m.prefix, key), value, ttl)
	return nil
}

func (m *Memory) Add(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl == NoExpiration {
		ttl = gocache.NoExpiration
	}
	// go-cache only fails Add when a live entry holds the key
	return m.c.Add(prefixed(m.prefix, key), value, ttl) == nil, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(prefixed(m.prefix, key))
	return nil
}

// Len returns the number of entries, expired ones included until cleanup.
func (m *Memory) Len() int { return m.c.ItemCount() }

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
