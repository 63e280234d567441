/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrLoaderPanicked is returned to callers waiting for a load that panicked in another goroutine.
var ErrLoaderPanicked = errors.New("cache loader panicked")

// Options represents optional parameters of LRUCache.
type Options struct {
	// DefaultTTL is the lifetime of added entries. Zero means entries never expire.
	// Expired entries are dropped lazily on access or by RemoveExpired.
	DefaultTTL time.Duration

	// Clock is used for expiration. clock.RealClock is used by default.
	Clock clock.PassiveClock
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

type pendingLoad[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// LRUCache is a goroutine-safe cache that evicts the least recently used entry when it is full.
type LRUCache[K comparable, V any] struct {
	maxEntries int
	ttl        time.Duration
	clock      clock.PassiveClock
	metrics    MetricsCollector

	mu      sync.Mutex
	order   *list.List // front is the most recently used
	entries map[K]*list.Element
	loads   map[K]*pendingLoad[V]
}

// New creates a new LRUCache holding at most maxEntries entries. Metrics collector may be nil.
func New[K comparable, V any](maxEntries int, metrics MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metrics, Options{})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts[K comparable, V any](maxEntries int, metrics MetricsCollector, opts Options) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("default TTL cannot be negative, got %s", opts.DefaultTTL)
	}
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &LRUCache[K, V]{
		maxEntries: maxEntries,
		ttl:        opts.DefaultTTL,
		clock:      opts.Clock,
		metrics:    metrics,
		order:      list.New(),
		entries:    make(map[K]*list.Element),
		loads:      make(map[K]*pendingLoad[V]),
	}, nil
}

// Get returns the value stored for the key.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

// Add stores the value, replacing the previous one. The least recently used entry is evicted if the cache is full.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value)
}

// GetOrAdd returns the stored value or stores the one made by newValue.
// The second result reports whether the value was already there.
func (c *LRUCache[K, V]) GetOrAdd(key K, newValue func() V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.lookup(key); ok {
		return value, true
	}
	value := newValue()
	c.store(key, value)
	return value, false
}

// GetOrLoad returns the stored value or loads it.
// Concurrent callers asking for the same missing key wait for a single loader call.
// Loader errors are returned to all of them and are not cached.
// A value stored for the key while the loader runs takes precedence over the loaded one.
func (c *LRUCache[K, V]) GetOrLoad(key K, loader func(key K) (V, error)) (value V, err error) {
	c.mu.Lock()
	if value, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return value, nil
	}
	if pl, ok := c.loads[key]; ok {
		c.mu.Unlock()
		<-pl.done
		return pl.value, pl.err
	}
	pl := &pendingLoad[V]{done: make(chan struct{})}
	c.loads[key] = pl
	c.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			pl.err = ErrLoaderPanicked
		}
		c.mu.Lock()
		delete(c.loads, key)
		if pl.err == nil {
			if stored, ok := c.peek(key); ok {
				pl.value = stored
			} else {
				c.store(key, pl.value)
			}
		}
		c.mu.Unlock()
		close(pl.done)
		value, err = pl.value, pl.err
	}()
	pl.value, pl.err = loader(key)
	finished = true
	return pl.value, pl.err
}

// Update stores the value returned by update, which receives the current value and whether it was found.
// The whole read-modify-write is done under the cache lock, so update must not call the cache.
func (c *LRUCache[K, V]) Update(key K, update func(current V, found bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, found := c.lookup(key)
	value := update(current, found)
	c.store(key, value)
	return value
}

// Len returns the number of entries including expired ones that are not removed yet.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RemoveExpired drops all expired entries and returns their number.
func (c *LRUCache[K, V]) RemoveExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if e := elem.Value.(*entry[K, V]); e.expiredAt(now) {
			c.order.Remove(elem)
			delete(c.entries, e.key)
			removed++
		}
		elem = prev
	}
	c.metrics.SetAmount(len(c.entries))
	return removed
}

func (c *LRUCache[K, V]) lookup(key K) (value V, ok bool) {
	elem, found := c.entries[key]
	if !found {
		c.metrics.IncMisses()
		return value, false
	}
	e := elem.Value.(*entry[K, V])
	if e.expiredAt(c.clock.Now()) {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.metrics.SetAmount(len(c.entries))
		c.metrics.IncMisses()
		return value, false
	}
	c.order.MoveToFront(elem)
	c.metrics.IncHits()
	return e.value, true
}

// peek returns a non-expired value without touching the LRU order and metrics.
func (c *LRUCache[K, V]) peek(key K) (value V, ok bool) {
	elem, found := c.entries[key]
	if !found {
		return value, false
	}
	e := elem.Value.(*entry[K, V])
	if e.expiredAt(c.clock.Now()) {
		return value, false
	}
	return e.value, true
}

func (c *LRUCache[K, V]) store(key K, value V) {
	e := &entry[K, V]{key: key, value: value}
	if c.ttl > 0 {
		e.expiresAt = c.clock.Now().Add(c.ttl)
	}
	if elem, found := c.entries[key]; found {
		elem.Value = e
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(e)
	if len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry[K, V]).key)
		c.metrics.AddEvictions(1)
	}
	c.metrics.SetAmount(len(c.entries))
}

func (e *entry[K, V]) expiredAt(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
