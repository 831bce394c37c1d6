package cache

import (
	"sync"
)

// LRU is a size-bounded least recently used cache safe for concurrent use.
// A capacity <= 0 means unbounded.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*cacheItem[K, V]
	head     *cacheItem[K, V]
	tail     *cacheItem[K, V]

	hits   uint64
	misses uint64
}

type cacheItem[K comparable, V any] struct {
	key   K
	value V
	prev  *cacheItem[K, V]
	next  *cacheItem[K, V]
}

// New creates a new cache
func New[K comparable, V any](capacity int) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*cacheItem[K, V]),
	}
}

// Get retrieves a value from the cache
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	c.moveToHead(item)
	return item.value, true
}

// Set stores a value in the cache
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		item.value = value
		c.moveToHead(item)
		return
	}

	item := &cacheItem[K, V]{
		key:   key,
		value: value,
	}
	c.addToHead(item)
	c.items[key] = item

	for c.capacity > 0 && len(c.items) > c.capacity {
		c.evictLRU()
	}
}

// Remove drops key if present.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		c.unlink(item)
		delete(c.items, key)
	}
}

// RemoveFunc drops every key matching pred.
func (c *LRU[K, V]) RemoveFunc(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, item := range c.items {
		if pred(k) {
			c.unlink(item)
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Stats returns hit and miss counters.
func (c *LRU[K, V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) unlink(item *cacheItem[K, V]) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

// moveToHead moves an item to the head of the list
func (c *LRU[K, V]) moveToHead(item *cacheItem[K, V]) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.addToHead(item)
}

// addToHead adds an item to the head of the list
func (c *LRU[K, V]) addToHead(item *cacheItem[K, V]) {
	item.prev = nil
	item.next = c.head

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

// evictLRU removes the least recently used item
func (c *LRU[K, V]) evictLRU() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlink(victim)
	delete(c.items, victim.key)
}
