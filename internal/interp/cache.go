package interp

import (
	"fmt"
	"sync"

	"github.com/couchcryptid/fire-risk-service/internal/observability"
	"golang.org/x/sync/singleflight"
)

// planKey identifies a kriging plan by exact source and target geometry.
type planKey struct {
	source   uint64
	target   uint64
	variable string
}

func (k planKey) String() string {
	return fmt.Sprintf("%016x/%016x/%s", k.source, k.target, k.variable)
}

// planCache is a bounded single-writer/many-reader table of kriging plans.
// Lookups take the read lock only; insertion order drives eviction so reads
// never mutate the list. Concurrent misses on one key share a single build.
type planCache struct {
	maxEntries int
	mu         sync.RWMutex
	entries    map[planKey]*planEntry
	head       *planEntry // newest
	tail       *planEntry // oldest
	group      singleflight.Group
	metrics    *observability.Metrics
}

type planEntry struct {
	key   planKey
	value *plan
	prev  *planEntry
	next  *planEntry
}

func newPlanCache(maxEntries int, metrics *observability.Metrics) *planCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &planCache{
		maxEntries: maxEntries,
		entries:    make(map[planKey]*planEntry),
		metrics:    metrics,
	}
}

func (c *planCache) get(key planKey) (*plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (c *planCache) put(key planKey, value *plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	e := &planEntry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

// getOrBuild returns the cached plan or builds it once. Build errors are not cached.
func (c *planCache) getOrBuild(key planKey, build func() (*plan, error)) (*plan, error) {
	if p, ok := c.get(key); ok {
		c.metrics.KrigingPlanCache.WithLabelValues("hit").Inc()
		return p, nil
	}
	c.metrics.KrigingPlanCache.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if p, ok := c.get(key); ok {
			return p, nil
		}
		p, err := build()
		if err != nil {
			return nil, err
		}
		c.put(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*plan), nil
}

func (c *planCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *planCache) addToFront(e *planEntry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *planCache) remove(e *planEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *planCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
