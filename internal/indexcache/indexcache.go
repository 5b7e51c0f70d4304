// Package indexcache implements a bounded LRU of loaded vector indexes
// keyed by tenant, with cooperative read/write locking and a background
// flush that coalesces persists per tenant. Grounded in the teacher's
// in-memory/multi-level cache (go-enhanced-rag-service/pkg/cache) for the
// LRU-with-janitor shape, backed here by hashicorp/golang-lru/v2 rather
// than a hand-rolled map+list.
package indexcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"ragengine/internal/config"
	"ragengine/internal/store"
	"ragengine/internal/vectorindex"
)

// Mode selects the locking discipline withIndex uses for one call.
type Mode int

const (
	Read Mode = iota
	Write
)

type entry struct {
	mu    sync.RWMutex
	index *vectorindex.Index
	dirty bool
}

// Cache is a bounded, per-tenant vector index cache. Evicted or
// periodically-flushed entries are persisted through obj if dirty.
type Cache struct {
	obj       store.ObjectStore
	dimension int
	flushEvery time.Duration

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]

	lastFlush map[string]time.Time
	stopOnce  sync.Once
	stop      chan struct{}
}

// New constructs a Cache of the given size (LRU capacity, in tenants) and
// flush interval. dimension is used to initialize a tenant's index on first
// load if no blob exists yet.
func New(obj store.ObjectStore, dimension int, cfg config.IndexCacheConfig) (*Cache, error) {
	size := cfg.Size
	if size <= 0 {
		size = 10
	}
	c := &Cache{
		obj:        obj,
		dimension:  dimension,
		flushEvery: cfg.FlushInterval,
		lastFlush:  make(map[string]time.Time),
		stop:       make(chan struct{}),
	}

	evictHandler := func(tenantID string, e *entry) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.dirty {
			_ = vectorindex.Persist(context.Background(), c.obj, tenantID, e.index)
			e.dirty = false
		}
	}
	l, err := lru.NewWithEvict(size, evictHandler)
	if err != nil {
		return nil, err
	}
	c.entries = l
	return c, nil
}

// WithIndex acquires the tenant's index under the requested Mode, loading it
// from the object store on first touch, and invokes fn. A Write call marks
// the entry dirty unconditionally, since the caller is assumed to mutate.
func (c *Cache) WithIndex(ctx context.Context, tenantID string, mode Mode, fn func(*vectorindex.Index) error) error {
	e, err := c.entryFor(ctx, tenantID)
	if err != nil {
		return err
	}

	switch mode {
	case Write:
		e.mu.Lock()
		defer e.mu.Unlock()
		err := fn(e.index)
		e.dirty = true
		return err
	default:
		e.mu.RLock()
		defer e.mu.RUnlock()
		return fn(e.index)
	}
}

func (c *Cache) entryFor(ctx context.Context, tenantID string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Get(tenantID); ok {
		return e, nil
	}

	idx, err := vectorindex.Load(ctx, c.obj, tenantID, c.dimension)
	if err != nil {
		return nil, err
	}
	e := &entry{index: idx}
	c.entries.Add(tenantID, e)
	return e, nil
}

// FlushDue persists tenantID's index if it is dirty and flushEvery has
// elapsed since its last flush (or it has never been flushed). It is safe
// to call concurrently with WithIndex.
func (c *Cache) FlushDue(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	e, ok := c.entries.Peek(tenantID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	last, seen := c.lastFlush[tenantID]
	due := !seen || time.Since(last) >= c.flushEvery
	c.mu.Unlock()
	if !due {
		return nil
	}

	e.mu.Lock()
	dirty := e.dirty
	var persistErr error
	if dirty {
		persistErr = vectorindex.Persist(ctx, c.obj, tenantID, e.index)
		if persistErr == nil {
			e.dirty = false
		}
	}
	e.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	c.mu.Lock()
	c.lastFlush[tenantID] = time.Now()
	c.mu.Unlock()
	return nil
}

// RunFlusher starts a background goroutine that periodically calls
// FlushDue for every resident tenant until the Cache is closed.
func (c *Cache) RunFlusher(ctx context.Context) {
	interval := c.flushEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				tenants := c.entries.Keys()
				c.mu.Unlock()
				for _, t := range tenants {
					_ = c.FlushDue(ctx, t)
				}
			}
		}
	}()
}

// Close stops the background flusher and persists every dirty resident
// index, matching the "flush on eviction" guarantee for a clean shutdown.
// A persist failure for one tenant does not stop the others from being
// attempted; every failure is aggregated into the returned error.
func (c *Cache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	tenants := c.entries.Keys()
	c.mu.Unlock()

	var errs error
	for _, t := range tenants {
		c.mu.Lock()
		e, ok := c.entries.Peek(t)
		c.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.dirty {
			if err := vectorindex.Persist(ctx, c.obj, t, e.index); err != nil {
				errs = multierr.Append(errs, err)
			} else {
				e.dirty = false
			}
		}
		e.mu.Unlock()
	}
	return errs
}
