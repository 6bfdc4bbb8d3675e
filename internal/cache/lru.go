package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type lruEntry struct {
	key        string
	value      []byte
	expiration time.Time // zero means no expiry
}

// LRU is an in-process least-recently-used cache with per-entry TTL.
type LRU struct {
	capacity      int
	items         map[string]*list.Element
	lruList       *list.List
	mu            sync.Mutex
	hitCount      int64
	missCount     int64
	evictionCount int64
	now           func() time.Time
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
		now:      time.Now,
	}
}

func (c *LRU) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiration time.Time
	if ttl > 0 {
		expiration = c.now().Add(ttl)
	}

	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiration = expiration
		return nil
	}

	elem := c.lruList.PushFront(&lruEntry{key: key, value: value, expiration: expiration})
	c.items[key] = elem

	if c.lruList.Len() > c.capacity {
		if oldest := c.lruList.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictionCount++
		}
	}
	return nil
}

func (c *LRU) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.missCount++
		return nil, false, nil
	}

	entry := elem.Value.(*lruEntry)
	if !entry.expiration.IsZero() && c.now().After(entry.expiration) {
		c.removeElement(elem)
		c.missCount++
		return nil, false, nil
	}

	c.lruList.MoveToFront(elem)
	c.hitCount++
	return entry.value, true, nil
}

func (c *LRU) removeElement(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Type:          "memory",
		Size:          c.lruList.Len(),
		Capacity:      c.capacity,
		HitCount:      c.hitCount,
		MissCount:     c.missCount,
		HitRate:       hitRate(c.hitCount, c.missCount),
		EvictionCount: c.evictionCount,
	}
}

func (c *LRU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lruList = list.New()
	return nil
}
