// Package respcache implements the response cache: a SHA-256 fingerprint
// over (tenant, normalized question, doc scope, pipeline version), O(1)
// per-tenant invalidation via a monotonic epoch, and single-flight
// collapsing of concurrent identical misses. The byte-oriented Cache
// interface and its in-memory/Redis implementations are adapted directly
// from the teacher's pkg/cache (KeyHash, InMemoryCache, RedisCache,
// GetOrCompute); singleflight replaces its ad hoc "first caller wins"
// behavior with golang.org/x/sync/singleflight.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached answer payload plus the tenant epoch it was built
// under.
type Entry struct {
	Value     []byte
	Epoch     int64
	ExpiresAt time.Time
}

// Cache is the byte-oriented backing store, adapted from the teacher's
// pkg/cache.Cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Fingerprint computes the cache key for (tenantID, question, docScope,
// pipelineVersion). docScope is sorted so caller order never affects the
// key.
func Fingerprint(tenantID, question string, docScope []string, pipelineVersion string) string {
	scope := append([]string(nil), docScope...)
	sort.Strings(scope)
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	payload := strings.Join([]string{tenantID, normalized, strings.Join(scope, ","), pipelineVersion}, "\x1f")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ResponseCache is the tenant-epoch-aware, single-flight response cache.
type ResponseCache struct {
	backing Cache
	ttl     time.Duration

	mu     sync.Mutex
	epochs map[string]int64

	flight singleflight.Group
}

func New(backing Cache, ttl time.Duration) *ResponseCache {
	return &ResponseCache{backing: backing, ttl: ttl, epochs: make(map[string]int64)}
}

func (c *ResponseCache) epochFor(tenantID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[tenantID]
}

// Invalidate bumps tenantID's epoch, which is O(1) and instantly makes
// every entry built under a prior epoch appear stale.
func (c *ResponseCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[tenantID]++
}

// Get returns the cached value for key if present, unexpired, and built
// under the tenant's current epoch.
func (c *ResponseCache) Get(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	entry, ok, err := c.getEntry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.Epoch != c.epochFor(tenantID) {
		return nil, false, nil
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// GetOrBuild returns the cached value for key, or computes it with build
// under single-flight semantics: concurrent callers on the same key observe
// exactly one execution of build and share its result. A build error is
// never cached.
func (c *ResponseCache) GetOrBuild(ctx context.Context, tenantID, key string, build func() ([]byte, error)) (value []byte, cacheHit bool, err error) {
	if v, ok, err := c.Get(ctx, tenantID, key); err == nil && ok {
		return v, true, nil
	}

	v, err, _ := c.flight.Do(tenantID+"\x1f"+key, func() (any, error) {
		if v, ok, _ := c.Get(ctx, tenantID, key); ok {
			return v, nil
		}
		built, err := build()
		if err != nil {
			return nil, err
		}
		entry := Entry{Value: built, Epoch: c.epochFor(tenantID), ExpiresAt: expiryFor(c.ttl)}
		_ = c.setEntry(ctx, key, entry)
		return built, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (c *ResponseCache) getEntry(ctx context.Context, key string) (Entry, bool, error) {
	raw, ok, err := c.backing.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return decodeEntry(raw), true, nil
}

func (c *ResponseCache) setEntry(ctx context.Context, key string, entry Entry) error {
	return c.backing.Set(ctx, key, encodeEntry(entry), c.ttl)
}

// wireEntry is the on-the-wire shape of Entry; Value is stored inline so the
// backing store only ever sees opaque bytes.
type wireEntry struct {
	Value     []byte    `json:"v"`
	Epoch     int64     `json:"e"`
	ExpiresAt time.Time `json:"x,omitempty"`
}

func encodeEntry(e Entry) []byte {
	b, err := json.Marshal(wireEntry{Value: e.Value, Epoch: e.Epoch, ExpiresAt: e.ExpiresAt})
	if err != nil {
		// Entry always holds plain bytes and a timestamp; Marshal cannot fail.
		panic(fmt.Sprintf("respcache: encode entry: %v", err))
	}
	return b
}

func decodeEntry(raw []byte) Entry {
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return Entry{}
	}
	return Entry{Value: w.Value, Epoch: w.Epoch, ExpiresAt: w.ExpiresAt}
}

// InMemoryCache is a process-local TTL cache, adapted from the teacher's
// InMemoryCache with a background janitor instead of lazy-only expiry.
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	stop  chan struct{}
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func NewInMemoryCache(janitorInterval time.Duration) *InMemoryCache {
	c := &InMemoryCache{items: make(map[string]memItem), stop: make(chan struct{})}
	if janitorInterval > 0 {
		go c.janitor(janitorInterval)
	}
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return item.value, true, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = memItem{value: append([]byte(nil), value...), expiresAt: exp}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *InMemoryCache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, v := range c.items {
				if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// RedisCache backs Cache with go-redis, adapted from the teacher's
// RedisCache.
type RedisCache struct {
	client *goredis.Client
}

func NewRedisCache(url string) (*RedisCache, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("respcache: parse redis url: %w", err)
	}
	return &RedisCache{client: goredis.NewClient(opt)}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := r.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisCache) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
