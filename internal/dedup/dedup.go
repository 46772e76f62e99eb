// Package dedup suppresses repeated submissions of the same logical notification
// within a TTL window.
package dedup

import (
	"context"
	"sync"
	"time"

	"pricepush/internal/clock"
	"pricepush/internal/ttlcache"
	"pricepush/pkg/logx"
)

// DefaultTTL is how long a key blocks resubmission.
const DefaultTTL = time.Hour

// Entry is one accepted key.
type Entry struct {
	Key        string
	TaskID     string
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Store keeps entries with explicit expiry.
//
// Implementations need not be atomic across Get and Put; Cache serializes them.
type Store interface {
	Get(ctx context.Context, key string, now time.Time) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Cache is the only writer of its Store.
type Cache struct {
	mu    sync.Mutex
	store Store
	ttl   time.Duration
	clock clock.Clock
	log   logx.Logger
}

func New(store Store, ttl time.Duration, clk clock.Clock, log logx.Logger) *Cache {
	if store == nil {
		store = NewMemoryStore(0)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{store: store, ttl: ttl, clock: clk, log: log}
}

// Accept records key for taskID and returns true, or returns false when a live
// entry for key already exists.
//
// Store errors fail open: a broken backend must not block alerts.
func (c *Cache) Accept(ctx context.Context, key, taskID string) bool {
	if key == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok, err := c.store.Get(ctx, key, now); err != nil {
		c.log.Warn("dedup lookup failed; accepting", logx.String("key", key), logx.Err(err))
	} else if ok && now.Before(e.ExpiresAt) {
		return false
	}

	e := Entry{Key: key, TaskID: taskID, InsertedAt: now, ExpiresAt: now.Add(c.ttl)}
	if err := c.store.Put(ctx, e); err != nil {
		c.log.Warn("dedup write failed", logx.String("key", key), logx.Err(err))
	}
	return true
}

// Lookup returns the live entry for key, if any.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	e, ok, err := c.store.Get(ctx, key, now)
	if err != nil || !ok || !now.Before(e.ExpiresAt) {
		return Entry{}, false
	}
	return e, true
}

// Sweep removes expired entries. Run it periodically, not per call.
func (c *Cache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.store.DeleteExpired(ctx, c.clock.Now())
	if err != nil {
		c.log.Warn("dedup sweep failed", logx.Err(err))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := c.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if n := c.Sweep(ctx); n > 0 {
				c.log.Debug("dedup sweep", logx.Int("removed", n))
			}
		}
	}
}

// memoryStore keeps entries in process memory.
type memoryStore struct {
	items *ttlcache.Cache[string, Entry]
}

// NewMemoryStore returns a process-local Store. maxEntries <= 0 means unbounded.
func NewMemoryStore(maxEntries int) Store {
	return &memoryStore{items: ttlcache.New[string, Entry](maxEntries)}
}

func (m *memoryStore) Get(_ context.Context, key string, now time.Time) (Entry, bool, error) {
	e, ok := m.items.Get(key, now)
	return e, ok, nil
}

func (m *memoryStore) Put(_ context.Context, e Entry) error {
	m.items.Set(e.Key, e, e.InsertedAt, e.ExpiresAt.Sub(e.InsertedAt))
	return nil
}

func (m *memoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return m.items.Sweep(now), nil
}
