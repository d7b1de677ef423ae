package settings

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a cached settings snapshot may be.
const DefaultCacheTTL = 30 * time.Second

// Cached wraps a Provider with a short-TTL cache so hot paths (every
// session start) do not hit the underlying source on each call.
type Cached struct {
	inner Provider
	ttl   time.Duration

	mu        sync.Mutex
	cached    Settings
	fetchedAt time.Time

	// now is overridable in tests.
	now func() time.Time
}

// NewCached creates a caching wrapper around a Provider.
func NewCached(inner Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
	}
}

// GetMiningSettings returns the cached snapshot when fresh, refreshing from
// the underlying provider otherwise. A refresh failure falls back to the
// last good snapshot when one exists.
func (c *Cached) GetMiningSettings(ctx context.Context) (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	s, err := c.inner.GetMiningSettings(ctx)
	if err != nil {
		if !c.fetchedAt.IsZero() {
			return c.cached, nil
		}
		return Settings{}, err
	}

	c.cached = s
	c.fetchedAt = now
	return s, nil
}

// invalidate drops the cached snapshot so the next read refreshes.
func (c *Cached) invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// CachedStore is a Store whose reads go through the TTL cache. An update
// invalidates the snapshot so operators observe their change on the next
// read instead of waiting out the TTL.
type CachedStore struct {
	*Cached
	store Store
}

// NewCachedStore creates a caching wrapper around an updatable Store.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Cached: NewCached(inner, ttl),
		store:  inner,
	}
}

// Update records a new settings revision and drops the cached snapshot.
func (c *CachedStore) Update(ctx context.Context, cfg Settings, updatedBy string) error {
	if err := c.store.Update(ctx, cfg, updatedBy); err != nil {
		return err
	}
	c.invalidate()
	return nil
}

// History returns the most recent revisions, newest first.
func (c *CachedStore) History(ctx context.Context, limit int) ([]Revision, error) {
	return c.store.History(ctx, limit)
}

// Verify interface compliance.
var (
	_ Provider = (*Cached)(nil)
	_ Store    = (*CachedStore)(nil)
)
