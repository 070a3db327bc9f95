// Package cache is the content-addressed response cache for idempotent
// calls. TTL is authoritative; an LRU bound evicts independently of TTL.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/boundary-gateway/internal/metrics"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Key is the blake2b-256 fingerprint of a request's scope, method and payload.
type Key [blake2b.Size256]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// NewKey derives the cache key. Fields are length-prefixed so no two
// distinct tuples share an encoding.
func NewKey(scope, method string, payload []byte) Key {
	h, _ := blake2b.New256(nil)
	var lenBuf [8]byte
	for _, field := range [][]byte{[]byte(scope), []byte(method), payload} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
		h.Write(lenBuf[:])
		h.Write(field)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Response is the cacheable part of an upstream reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	NodeID      string
}

// Entry is an immutable cached response.
type Entry struct {
	Response
	StoredAt    time.Time
	TTL         time.Duration
	ContentHash string
}

// Fresh reports whether the entry may be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// Config holds cache settings.
type Config struct {
	Capacity      int
	DefaultTTL    time.Duration
	MaxEntryBytes int
}

// Cache stores entries in a bounded LRU.
type Cache struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// mu serializes writers; lookups go straight to the lru.
	mu  sync.RWMutex
	cfg Config
	lru *lru.Cache
}

// New creates a cache.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}
	backing, err := lru.New(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &Cache{
		metrics: m,
		logger:  logger,
		now:     time.Now,
		cfg:     cfg,
		lru:     backing,
	}, nil
}

// Lookup returns a fresh entry for key. Expired entries are removed on sight.
func (c *Cache) Lookup(key Key) (*Entry, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		c.metrics.RecordCacheLookup("miss")
		return nil, false
	}
	entry := v.(*Entry)
	if !entry.Fresh(c.now()) {
		c.removeIfSame(key, entry)
		c.metrics.RecordCacheLookup("expired")
		return nil, false
	}
	c.metrics.RecordCacheLookup("hit")
	return entry, true
}

// Store inserts resp under key. ttl <= 0 uses the default TTL. Concurrent
// stores for one key are last-write-wins.
func (c *Cache) Store(key Key, resp Response, ttl time.Duration) {
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)
	resp.Body = body
	sum := blake2b.Sum256(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if ttl <= 0 || (c.cfg.MaxEntryBytes > 0 && len(body) > c.cfg.MaxEntryBytes) {
		return
	}

	c.lru.Add(key, &Entry{
		Response:    resp,
		StoredAt:    c.now(),
		TTL:         ttl,
		ContentHash: hex.EncodeToString(sum[:]),
	})
	c.metrics.SetCacheEntries(c.lru.Len())
}

// removeIfSame evicts key only if it still maps to entry, so an expiry check
// never removes a newer store.
func (c *Cache) removeIfSame(key Key, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Peek(key); ok && v.(*Entry) == entry {
		c.lru.Remove(key)
	}
}

// Purge removes every expired entry and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		entry := v.(*Entry)
		if !entry.Fresh(now) {
			c.removeIfSame(k.(Key), entry)
			removed++
		}
	}
	c.metrics.SetCacheEntries(c.lru.Len())
	return removed
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Update applies new capacity and default TTL.
func (c *Cache) Update(capacity int, defaultTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if capacity > 0 && capacity != c.cfg.Capacity {
		evicted := c.lru.Resize(capacity)
		c.cfg.Capacity = capacity
		if evicted > 0 {
			c.logger.Info("cache resized", zap.Int("capacity", capacity), zap.Int("evicted", evicted))
		}
	}
	c.cfg.DefaultTTL = defaultTTL
}

// DefaultTTL returns the TTL applied when Store is given none.
func (c *Cache) DefaultTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.DefaultTTL
}

// Run purges expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Purge(); removed > 0 {
				c.logger.Debug("purged expired cache entries", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
