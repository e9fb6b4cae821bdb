package cache

import (
	"container/list"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type memoryItem struct {
	key   string
	value []byte
}

// MemoryCache is a byte-budgeted strict LRU of tile payloads.
// Front of lruList is the most recently used item.
type MemoryCache struct {
	mu      sync.Mutex
	budget  int64
	bytes   int64
	items   map[string]*list.Element
	lruList *list.List
	logger  *zap.Logger
}

func NewMemoryCache(budget int64, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		budget:  budget,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
		logger:  logger,
	}
}

func (c *MemoryCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Get returns the payload for key and marks it most recently used
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*memoryItem).value, true
}

// Set evicts least recently used items until value fits the budget, then stores it.
// A value larger than the whole budget empties the cache and is stored anyway.
func (c *MemoryCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(value))

	if elem, ok := c.items[key]; ok {
		c.bytes -= int64(len(elem.Value.(*memoryItem).value))
		c.lruList.Remove(elem)
		delete(c.items, key)
	}

	var evicted int
	var reclaimed int64
	for c.bytes+size > c.budget {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		item := oldest.Value.(*memoryItem)
		c.lruList.Remove(oldest)
		delete(c.items, item.key)
		c.bytes -= int64(len(item.value))
		evicted++
		reclaimed += int64(len(item.value))
	}

	if evicted > 0 {
		c.logger.Debug("Memory cache eviction",
			zap.Int("count", evicted),
			zap.Int64("bytes", reclaimed),
			zap.String("reclaimed", humanize.IBytes(uint64(reclaimed))),
		)
	}

	elem := c.lruList.PushFront(&memoryItem{key: key, value: value})
	c.items[key] = elem
	c.bytes += size
}

// Remove drops the given keys and returns how many were present
func (c *MemoryCache) Remove(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range keys {
		elem, ok := c.items[key]
		if !ok {
			continue
		}
		c.bytes -= int64(len(elem.Value.(*memoryItem).value))
		c.lruList.Remove(elem)
		delete(c.items, key)
		removed++
	}
	return removed
}

// Clear drops everything and returns the number of items dropped
func (c *MemoryCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*list.Element)
	c.lruList = list.New()
	c.bytes = 0
	return n
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *MemoryCache) Budget() int64 {
	return c.budget
}
