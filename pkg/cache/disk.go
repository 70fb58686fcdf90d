package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/ShoshinNikita/rpix/pkg/disklru"
	"github.com/ShoshinNikita/rpix/pkg/metrics"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

const jpegQuality = 90

// DiskCache stores encoded bitmaps in a [disklru.Store]. Keys are hashed, so any
// string can be used as a key.
type DiskCache struct {
	dir        string
	appVersion int
	maxSize    int64
	format     rpix.DiskFormat

	// mu guards the store pointer, it is replaced by Clear.
	mu    sync.RWMutex
	store *disklru.Store
}

var _ rpix.Cache = (*DiskCache)(nil)

func NewDiskCache(dir string, appVersion int, maxSize int64, format rpix.DiskFormat) (*DiskCache, error) {
	switch format {
	case rpix.DiskFormatPNG, rpix.DiskFormatJPEG:
	default:
		return nil, fmt.Errorf("unsupported disk format %q", format)
	}

	store, err := disklru.Open(dir, appVersion, maxSize)
	if err != nil {
		return nil, fmt.Errorf("couldn't open store: %w", err)
	}
	metrics.CacheSize.WithLabelValues(tierDisk).Set(float64(store.Size()))

	return &DiskCache{
		dir:        dir,
		appVersion: appVersion,
		maxSize:    maxSize,
		format:     format,
		store:      store,
	}, nil
}

func (*DiskCache) Source() rpix.DataSource {
	return rpix.SourceDisk
}

// Get returns [rpix.ErrCacheMiss] if there's no bitmap for the key or it can't be read.
func (c *DiskCache) Get(ctx context.Context, key string) (*rpix.Bitmap, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	storeKey := disklru.HashKey(key)

	snapshot, err := c.store.Get(storeKey)
	if err != nil {
		if !errors.Is(err, disklru.ErrNotFound) {
			metrics.CacheErrors.WithLabelValues(tierDisk).Inc()
			rlog.Warnf("couldn't read %q from disk cache: %s", key, err)
		}
		metrics.CacheMisses.WithLabelValues(tierDisk).Inc()
		return nil, rpix.ErrCacheMiss
	}
	defer snapshot.Close()

	img, _, err := image.Decode(bufio.NewReader(snapshot))
	if err != nil {
		metrics.CacheErrors.WithLabelValues(tierDisk).Inc()
		metrics.CacheMisses.WithLabelValues(tierDisk).Inc()
		rlog.Warnf("couldn't decode %q from disk cache, remove it: %s", key, err)

		if _, err := c.store.Remove(storeKey); err != nil {
			rlog.Errorf("couldn't remove %q from disk cache: %s", key, err)
		}
		return nil, rpix.ErrCacheMiss
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metrics.CacheHits.WithLabelValues(tierDisk).Inc()
	return rpix.NewBitmap(img), nil
}

// Set encodes the bitmap and saves it. If the entry is being written by someone else,
// Set does nothing. The entry is left untouched if ctx is cancelled.
func (c *DiskCache) Set(ctx context.Context, key string, b *rpix.Bitmap) (err error) {
	if b == nil || b.Released() {
		return rpix.ErrInvalidValue
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	editor, err := c.store.Edit(disklru.HashKey(key))
	if err != nil {
		if errors.Is(err, disklru.ErrEditInProgress) {
			return nil
		}
		return fmt.Errorf("couldn't start edit: %w", err)
	}
	defer editor.Abort() //nolint:errcheck

	w, err := editor.NewWriter()
	if err != nil {
		return fmt.Errorf("couldn't get writer: %w", err)
	}

	bw := bufio.NewWriter(w)
	switch c.format {
	case rpix.DiskFormatJPEG:
		err = jpeg.Encode(bw, b.Image(), &jpeg.Options{Quality: jpegQuality})
	default:
		err = png.Encode(bw, b.Image())
	}
	if err != nil {
		return fmt.Errorf("couldn't encode bitmap: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("couldn't write bitmap: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := editor.Commit(); err != nil {
		metrics.CacheErrors.WithLabelValues(tierDisk).Inc()
		return fmt.Errorf("couldn't commit: %w", err)
	}

	metrics.CacheSize.WithLabelValues(tierDisk).Set(float64(c.store.Size()))
	return nil
}

func (c *DiskCache) Remove(_ context.Context, key string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.store.Remove(disklru.HashKey(key))
	return err
}

// Clear removes all entries. The cache directory is recreated.
func (c *DiskCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(); err != nil {
		return fmt.Errorf("couldn't delete store: %w", err)
	}

	store, err := disklru.Open(c.dir, c.appVersion, c.maxSize)
	if err != nil {
		return fmt.Errorf("couldn't reopen store: %w", err)
	}
	c.store = store

	metrics.CacheSize.WithLabelValues(tierDisk).Set(0)
	return nil
}

// Flush evicts entries over the size limit and flushes the journal.
func (c *DiskCache) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	err := c.store.Flush()
	metrics.CacheSize.WithLabelValues(tierDisk).Set(float64(c.store.Size()))
	return err
}

func (c *DiskCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.store.Size()
}

func (c *DiskCache) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.Close()
}
