// Package embedcache provides a bounded, per-fingerprint-deduplicated cache
// in front of an embedproviders.Provider, so repeated queries (and repeated
// chunk text across retrains) never pay for the embedding call twice.
package embedcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComputeFunc computes an embedding on a cache miss.
type ComputeFunc func(ctx context.Context, text string) ([]float32, error)

type entry struct {
	fingerprint string
	vector      []float32
	lastUsedAt  time.Time
	elem        *list.Element
}

// Cache is a bounded LRU cache keyed by (provider, text fingerprint), with
// single-flight deduplication so concurrent callers asking for the same
// fingerprint share one upstream call instead of issuing N.
type Cache struct {
	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used

	inflight map[string]*call
}

type call struct {
	wg  sync.WaitGroup
	vec []float32
	err error
}

// New builds a Cache bounded to maxEntries, evicting entries older than ttl
// on the periodic sweep started by StartEvictionLoop.
func New(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*entry),
		order:      list.New(),
		inflight:   make(map[string]*call),
	}
}

// Fingerprint derives the cache key for a (provider, text) pair.
func Fingerprint(provider, text string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCompute returns the cached vector for fingerprint, computing and
// storing it via compute on a miss. Concurrent calls for the same
// fingerprint block on one shared computation.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint, text string, compute ComputeFunc) ([]float32, error) {
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		e.lastUsedAt = time.Now()
		c.order.MoveToFront(e.elem)
		vec := e.vector
		c.mu.Unlock()
		return vec, nil
	}
	if inflight, ok := c.inflight[fingerprint]; ok {
		c.mu.Unlock()
		inflight.wg.Wait()
		return inflight.vec, inflight.err
	}
	cl := &call{}
	cl.wg.Add(1)
	c.inflight[fingerprint] = cl
	c.mu.Unlock()

	vec, err := compute(ctx, text)
	cl.vec, cl.err = vec, err
	cl.wg.Done()

	c.mu.Lock()
	delete(c.inflight, fingerprint)
	if err == nil {
		c.storeLocked(fingerprint, vec)
	}
	c.mu.Unlock()

	return vec, err
}

func (c *Cache) storeLocked(fingerprint string, vec []float32) {
	if e, ok := c.entries[fingerprint]; ok {
		e.vector = vec
		e.lastUsedAt = time.Now()
		c.order.MoveToFront(e.elem)
		return
	}
	e := &entry{fingerprint: fingerprint, vector: vec, lastUsedAt: time.Now()}
	e.elem = c.order.PushFront(e)
	c.entries[fingerprint] = e

	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evictElementLocked(oldest)
	}
}

func (c *Cache) evictElementLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, e.fingerprint)
}

// evictExpired removes entries whose last use is older than c.ttl.
func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	for elem := c.order.Back(); elem != nil; {
		e := elem.Value.(*entry)
		prev := elem.Prev()
		if e.lastUsedAt.Before(cutoff) {
			c.evictElementLocked(elem)
		}
		elem = prev
	}
}

// StartEvictionLoop runs evictExpired every period until ctx is canceled.
func (c *Cache) StartEvictionLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				before := c.Len()
				c.evictExpired()
				after := c.Len()
				if before != after {
					log.Debug().Int("evicted", before-after).Msg("embedcache_eviction_swept")
				}
			}
		}
	}()
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
