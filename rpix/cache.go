package rpix

import "context"

// Cache is a single cache tier.
type Cache interface {
	// Source is reported for the results of this tier.
	Source() DataSource
	// Get returns [ErrCacheMiss] if there's no bitmap for the key.
	Get(ctx context.Context, key string) (*Bitmap, error)
	Set(ctx context.Context, key string, b *Bitmap) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Size() int64
}
