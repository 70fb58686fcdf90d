package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/ShoshinNikita/rpix/pkg/metrics"
	"github.com/ShoshinNikita/rpix/pkg/misc"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

// MemoryCache is an LRU cache of decoded bitmaps bounded by the total size of pixels.
//
// [MemoryCache.Set] doesn't replace existing bitmaps: the first written bitmap wins.
// A bitmap for a key is the result of the same request, so concurrent writers would
// only replace equal bitmaps with each other.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	items   map[string]*list.Element // values are *memoryItem
	lru     *list.List               // front is the most recently used item
}

type memoryItem struct {
	key    string
	bitmap *rpix.Bitmap
	cost   int64
}

var _ rpix.Cache = (*MemoryCache)(nil)

func NewMemoryCache(maxSize int64) *MemoryCache {
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

func (*MemoryCache) Source() rpix.DataSource {
	return rpix.SourceMemory
}

// Get returns [rpix.ErrCacheMiss] if there's no bitmap for the key.
func (c *MemoryCache) Get(_ context.Context, key string) (*rpix.Bitmap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues(tierMemory).Inc()
		return nil, rpix.ErrCacheMiss
	}

	item := el.Value.(*memoryItem)
	if item.bitmap.Released() {
		c.removeElement(el)
		metrics.CacheMisses.WithLabelValues(tierMemory).Inc()
		return nil, rpix.ErrCacheMiss
	}

	c.lru.MoveToFront(el)

	metrics.CacheHits.WithLabelValues(tierMemory).Inc()
	return item.bitmap, nil
}

// Set adds the bitmap if there is no bitmap for the key yet. Bitmaps larger than
// the max size are not cached.
func (c *MemoryCache) Set(_ context.Context, key string, b *rpix.Bitmap) error {
	if b == nil || b.Released() {
		return rpix.ErrInvalidValue
	}

	cost := b.ByteCount()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return nil
	}
	if cost > c.maxSize {
		rlog.Debugf("bitmap %q is too large for memory cache: %s", key, misc.FormatFileSize(cost))
		return nil
	}

	c.items[key] = c.lru.PushFront(&memoryItem{
		key:    key,
		bitmap: b,
		cost:   cost,
	})
	c.size += cost

	c.trimToSize()
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	return nil
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.items)
	c.lru.Init()
	c.size = 0

	metrics.CacheSize.WithLabelValues(tierMemory).Set(0)
	return nil
}

// Resize changes the max size and immediately evicts bitmaps over the new limit.
func (c *MemoryCache) Resize(maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxSize = maxSize
	c.trimToSize()
}

func (c *MemoryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

func (c *MemoryCache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxSize
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

func (c *MemoryCache) trimToSize() {
	for c.size > c.maxSize {
		el := c.lru.Back()
		if el == nil {
			break
		}
		c.removeElement(el)
	}
	metrics.CacheSize.WithLabelValues(tierMemory).Set(float64(c.size))
}

func (c *MemoryCache) removeElement(el *list.Element) {
	item := c.lru.Remove(el).(*memoryItem)
	delete(c.items, item.key)
	c.size -= item.cost

	metrics.CacheSize.WithLabelValues(tierMemory).Set(float64(c.size))
}
