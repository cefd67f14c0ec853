package service

import (
	"context"
	"sync"
	"time"
)

// NonFollowerCache remembers openids that recently failed the follower
// check so repeated keywords from them skip the user info call. A miss only
// means "ask the API".
type NonFollowerCache interface {
	Has(ctx context.Context, openID string) (bool, error)
	Remember(ctx context.Context, openID string, ttl time.Duration) error
	Forget(ctx context.Context, openID string) error
}

type NoopNonFollowerCache struct{}

func (NoopNonFollowerCache) Has(context.Context, string) (bool, error) { return false, nil }

func (NoopNonFollowerCache) Remember(context.Context, string, time.Duration) error { return nil }

func (NoopNonFollowerCache) Forget(context.Context, string) error { return nil }

type InMemoryNonFollowerCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewInMemoryNonFollowerCache(now func() time.Time) *InMemoryNonFollowerCache {
	if now == nil {
		now = time.Now
	}
	return &InMemoryNonFollowerCache{now: now, entries: make(map[string]time.Time)}
}

func (c *InMemoryNonFollowerCache) Has(_ context.Context, openID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.entries[openID]
	if !ok {
		return false, nil
	}
	if !c.now().Before(expiresAt) {
		delete(c.entries, openID)
		return false, nil
	}
	return true, nil
}

func (c *InMemoryNonFollowerCache) Remember(_ context.Context, openID string, ttl time.Duration) error {
	if ttl <= 0 || openID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, id)
		}
	}
	c.entries[openID] = now.Add(ttl)
	return nil
}

func (c *InMemoryNonFollowerCache) Forget(_ context.Context, openID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, openID)
	return nil
}
