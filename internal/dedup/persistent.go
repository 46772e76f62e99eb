package dedup

import (
	"context"
	"time"

	"pricepush/internal/storage"
)

// persistentStore layers a memory store over storage so suppression survives restarts.
// Reads hit memory first; storage is consulted on a miss and warms memory.
type persistentStore struct {
	mem Store
	db  storage.DedupStore
}

// NewPersistentStore backs the cache with db.
func NewPersistentStore(db storage.DedupStore, maxEntries int) Store {
	return &persistentStore{mem: NewMemoryStore(maxEntries), db: db}
}

func (p *persistentStore) Get(ctx context.Context, key string, now time.Time) (Entry, bool, error) {
	if e, ok, _ := p.mem.Get(ctx, key, now); ok {
		return e, true, nil
	}
	rec, ok, err := p.db.GetDedup(ctx, key)
	if err != nil || !ok || !now.Before(rec.ExpiresAt) {
		return Entry{}, false, err
	}
	e := Entry{Key: rec.Key, TaskID: rec.TaskID, InsertedAt: rec.InsertedAt, ExpiresAt: rec.ExpiresAt}
	_ = p.mem.Put(ctx, e)
	return e, true, nil
}

func (p *persistentStore) Put(ctx context.Context, e Entry) error {
	_ = p.mem.Put(ctx, e)
	return p.db.PutDedup(ctx, storage.DedupRecord{Key: e.Key, TaskID: e.TaskID, InsertedAt: e.InsertedAt, ExpiresAt: e.ExpiresAt})
}

func (p *persistentStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, _ := p.mem.DeleteExpired(ctx, now)
	m, err := p.db.PruneDedup(ctx, now)
	if m > n {
		n = m
	}
	return n, err
}
