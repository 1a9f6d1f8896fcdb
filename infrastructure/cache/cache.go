// Package cache implements the hierarchical L1/L2 resource cache: a
// sharded, TTL-and-LRU-bounded in-memory tier (L1) backed by an
// optional durable overflow tier (L2), with transactional overlay
// commits and single-flight load collapsing for concurrent misses.
package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/twshwa/rarf/infrastructure/metrics"
	"github.com/twshwa/rarf/infrastructure/state"
)

// ErrTransactionAborted is returned by WithTransaction when the caller's
// function returns an error; no writes from the transaction are applied.
var ErrTransactionAborted = errors.New("cache: transaction aborted")

// Config configures a hierarchical Cache.
type Config struct {
	Name string `validate:"required"`

	// ShardCount is the number of independent L1 stripes; keys are
	// distributed across shards by hash, bounding lock contention.
	ShardCount int `validate:"gt=0"`
	// MaxBytesPerShard bounds each shard's resident byte size; 0 disables
	// the bound (entries are then evicted only by TTL or by the entry
	// budget below).
	MaxBytesPerShard int `validate:"gte=0"`
	// MaxEntriesPerShard bounds each shard's live entry count the same way
	// MaxBytesPerShard bounds its byte size; 0 disables the bound. A put
	// that would exceed either budget evicts LRU-first until both fit.
	MaxEntriesPerShard int `validate:"gte=0"`
	// DefaultTTL applies when Put is called with ttl <= 0; zero means entries
	// never expire on their own.
	DefaultTTL time.Duration `validate:"gte=0"`

	// L2, if set, backs entries evicted from L1 when EnableDemotion is
	// true. It is a plain byte store (see state.PersistenceBackend); only
	// string and []byte values can be demoted, anything else is dropped
	// from L2 silently since there is no generic value codec.
	L2             state.PersistenceBackend
	EnableDemotion bool
	// WriteThrough, when true and L2 is set, writes every Put straight
	// through to L2 as well as L1, rather than only demoting entries L1
	// evicts. Encoding rules are the same as demotion: only string/[]byte
	// values make it to L2.
	WriteThrough bool

	Metrics metrics.Sink
}

// shardBox pairs an LRU shard with the mutex guarding it; the shards
// themselves hold no locks so lruShard stays a plain, alloc-light arena.
type shardBox struct {
	mu  sync.Mutex
	lru *lruShard
}

// Cache is the hierarchical L1/L2 cache.
type Cache struct {
	cfg    Config
	shards []*shardBox
	sf     singleflight.Group
}

// New constructs a Cache from cfg, filling in defaults for zero fields.
func New(cfg Config) *Cache {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	c := &Cache{cfg: cfg, shards: make([]*shardBox, cfg.ShardCount)}
	for i := range c.shards {
		c.shards[i] = &shardBox{lru: newLRUShard(cfg.MaxBytesPerShard, cfg.MaxEntriesPerShard)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shardBox {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[int(h.Sum32())%len(c.shards)]
}

// Get returns the value for key, checking L1 then (if configured and a
// miss) L2, promoting an L2 hit back into L1.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	box := c.shardFor(key)

	box.mu.Lock()
	v, ok := box.lru.get(key, time.Now())
	box.mu.Unlock()
	if ok {
		c.recordHit("l1")
		return v, true, nil
	}

	if c.cfg.L2 == nil {
		c.recordMiss()
		return nil, false, nil
	}

	raw, err := c.cfg.L2.Load(ctx, key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.recordMiss()
			return nil, false, nil
		}
		return nil, false, err
	}
	value, expiresAt, ok := decodeL2Value(raw)
	if !ok || (!expiresAt.IsZero() && time.Now().After(expiresAt)) {
		c.recordMiss()
		return nil, false, nil
	}

	ttl := time.Duration(0)
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			c.recordMiss()
			return nil, false, nil
		}
	}
	box.mu.Lock()
	box.lru.put(key, value, byteSizeOf(value), ttl)
	box.mu.Unlock()

	c.recordHit("l2")
	return value, true, nil
}

// Put inserts or replaces key's value. ttl <= 0 uses Config.DefaultTTL.
func (c *Cache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	box := c.shardFor(key)

	box.mu.Lock()
	evictedEntries := box.lru.put(key, value, byteSizeOf(value), ttl)
	box.mu.Unlock()

	for _, e := range evictedEntries {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Counter("cache_evictions_total", map[string]string{"cache": c.cfg.Name, "reason": "capacity"}, 1)
		}
		if c.cfg.L2 != nil && c.cfg.EnableDemotion {
			c.writeL2(ctx, e.key, e.value, e.expiresAt, e.hasTTL)
		}
	}

	if c.cfg.L2 != nil && c.cfg.WriteThrough {
		expiresAt := time.Time{}
		hasTTL := ttl > 0
		if hasTTL {
			expiresAt = time.Now().Add(ttl)
		}
		c.writeL2(ctx, key, value, expiresAt, hasTTL)
	}
	return nil
}

// writeL2 encodes value into L2's binary format and saves it, backing
// both eviction-time demotion and WriteThrough. Only string and []byte
// values can be encoded; anything else is dropped, which is the cost of
// not carrying a generic value codec for an interface{} cache.
func (c *Cache) writeL2(ctx context.Context, key string, value interface{}, expiresAt time.Time, hasTTL bool) {
	raw, ok := encodeL2Value(value, expiresAt, hasTTL)
	if !ok {
		return
	}
	_ = c.cfg.L2.Save(ctx, key, raw)
}

// Delete removes key from L1 and, if configured, L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	box := c.shardFor(key)
	box.mu.Lock()
	box.lru.delete(key)
	box.mu.Unlock()

	if c.cfg.L2 != nil {
		if err := c.cfg.L2.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetOrLoad returns the cached value for key, or calls loader exactly
// once across concurrent callers sharing the same key (single-flight),
// caching and returning its result.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if v, ok, err := c.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, key, loaded, ttl); err != nil {
			return nil, err
		}
		return loaded, nil
	})
	return v, err
}

// txWrite is one pending write recorded by a transaction's overlay
// before it commits.
type txWrite struct {
	key     string
	value   interface{}
	ttl     time.Duration
	deleted bool
}

// Tx is the transactional overlay handed to WithTransaction's callback.
// Reads check the overlay first so a transaction observes its own
// uncommitted writes (read-your-writes); nothing is visible to other
// callers of the Cache until Commit is called by WithTransaction.
type Tx struct {
	cache   *Cache
	ctx     context.Context
	overlay map[string]*txWrite
}

// Get reads key, preferring this transaction's own pending write over
// the underlying cache.
func (tx *Tx) Get(key string) (interface{}, bool, error) {
	if w, ok := tx.overlay[key]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	return tx.cache.Get(tx.ctx, key)
}

// Put stages a write, applied only if the transaction commits.
func (tx *Tx) Put(key string, value interface{}, ttl time.Duration) {
	tx.overlay[key] = &txWrite{key: key, value: value, ttl: ttl}
}

// Delete stages a deletion, applied only if the transaction commits.
func (tx *Tx) Delete(key string) {
	tx.overlay[key] = &txWrite{key: key, deleted: true}
}

// WithTransaction runs fn against a fresh overlay and, if fn returns
// nil, applies every staged write atomically with respect to other
// WithTransaction callers (each affected shard's lock is held for the
// whole apply). If fn returns an error, nothing is applied and
// ErrTransactionAborted wraps the original error.
func (c *Cache) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{cache: c, ctx: ctx, overlay: make(map[string]*txWrite)}
	if err := fn(tx); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Counter("cache_transactions_total", map[string]string{"cache": c.cfg.Name, "outcome": "aborted"}, 1)
		}
		return errors.Join(ErrTransactionAborted, err)
	}

	boxes := make(map[*shardBox]struct{})
	for key := range tx.overlay {
		boxes[c.shardFor(key)] = struct{}{}
	}
	locked := make([]*shardBox, 0, len(boxes))
	for b := range boxes {
		b.mu.Lock()
		locked = append(locked, b)
	}
	defer func() {
		for _, b := range locked {
			b.mu.Unlock()
		}
	}()

	for key, w := range tx.overlay {
		box := c.shardFor(key)
		if w.deleted {
			box.lru.delete(key)
			continue
		}
		ttl := w.ttl
		if ttl <= 0 {
			ttl = c.cfg.DefaultTTL
		}
		box.lru.put(key, w.value, byteSizeOf(w.value), ttl)
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Counter("cache_transactions_total", map[string]string{"cache": c.cfg.Name, "outcome": "committed"}, 1)
	}
	return nil
}

// Size returns the total number of live L1 entries across all shards.
func (c *Cache) Size() int {
	total := 0
	for _, b := range c.shards {
		b.mu.Lock()
		total += b.lru.len()
		b.mu.Unlock()
	}
	return total
}

func (c *Cache) recordHit(layer string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Counter("cache_hits_total", map[string]string{"cache": c.cfg.Name, "layer": layer}, 1)
	}
}

func (c *Cache) recordMiss() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Counter("cache_misses_total", map[string]string{"cache": c.cfg.Name}, 1)
	}
}

func byteSizeOf(value interface{}) int {
	switch v := value.(type) {
	case []byte:
		return len(v)
	case string:
		return len(v)
	default:
		return 64 // fixed estimate for values without a cheap byte length
	}
}
