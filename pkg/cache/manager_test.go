package cache

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rpix/rpix"
)

func TestManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	newManager := func(t *testing.T) (*Manager, *MemoryCache, *DiskCache) {
		memory := NewMemoryCache(1 << 20)
		disk, err := NewDiskCache(t.TempDir(), 1, 1<<20, rpix.DiskFormatPNG)
		require.NoError(t, err)
		t.Cleanup(func() { disk.Shutdown(ctx) })

		return NewManager(memory, disk), memory, disk
	}

	t.Run("disk hit is not promoted", func(t *testing.T) {
		r := require.New(t)

		m, memory, disk := newManager(t)
		r.NoError(disk.Set(ctx, "abc", newTestBitmap(8, 16, color.White)))

		b, source, err := m.Get(ctx, "abc")
		r.NoError(err)
		r.Equal(rpix.SourceDisk, source)
		r.Equal(rpix.NewSize(8, 16), b.Size())

		_, err = memory.Get(ctx, "abc")
		r.ErrorIs(err, rpix.ErrCacheMiss)
	})

	t.Run("set", func(t *testing.T) {
		r := require.New(t)

		m, memory, disk := newManager(t)

		b := newTestBitmap(8, 8, color.White)
		r.NoError(m.Set(ctx, "key", b))

		got, source, err := m.Get(ctx, "key")
		r.NoError(err)
		r.Equal(rpix.SourceMemory, source)
		r.Same(b, got)

		_, err = disk.Get(ctx, "key")
		r.NoError(err)

		r.NoError(m.Remove(ctx, "key"))
		_, _, err = m.Get(ctx, "key")
		r.ErrorIs(err, rpix.ErrCacheMiss)
		r.Equal(0, memory.Len())
	})

	t.Run("released bitmap is rejected", func(t *testing.T) {
		r := require.New(t)

		m, memory, disk := newManager(t)

		b := newTestBitmap(8, 8, color.White)
		b.Release()
		r.ErrorIs(m.Set(ctx, "key", b), rpix.ErrInvalidValue)
		r.Equal(0, memory.Len())
		r.Zero(disk.Size())
	})

	t.Run("backfill", func(t *testing.T) {
		r := require.New(t)

		m, memory, disk := newManager(t)
		r.NoError(disk.Set(ctx, "key", newTestBitmap(8, 8, color.White)))

		b, err := m.GetFrom(ctx, rpix.SourceDisk, "key")
		r.NoError(err)
		r.NoError(m.Backfill(ctx, "key", b, rpix.SourceDisk))

		got, err := m.GetFrom(ctx, rpix.SourceMemory, "key")
		r.NoError(err)
		r.Same(b, got)
		r.Equal(1, memory.Len())
	})

	t.Run("clear memory", func(t *testing.T) {
		r := require.New(t)

		m, memory, disk := newManager(t)
		r.NoError(m.Set(ctx, "key", newTestBitmap(8, 8, color.White)))

		r.NoError(m.ClearMemory(ctx))
		r.Equal(0, memory.Len())

		_, source, err := m.Get(ctx, "key")
		r.NoError(err)
		r.Equal(rpix.SourceDisk, source)
		r.Positive(disk.Size())
	})

	t.Run("tier errors are misses", func(t *testing.T) {
		r := require.New(t)

		memory := NewMemoryCache(1 << 20)
		m := NewManager(memory, failingCache{}, NewNoopCache(rpix.SourceNetwork))

		_, _, err := m.Get(ctx, "key")
		r.ErrorIs(err, rpix.ErrCacheMiss)

		_, err = m.GetFrom(ctx, rpix.SourceDisk, "key")
		r.ErrorIs(err, rpix.ErrCacheMiss)

		err = m.Set(ctx, "key", newTestBitmap(8, 8, color.White))
		r.ErrorIs(err, errTierFailure)
		r.Equal(1, memory.Len())
		r.Len(m.Tiers(), 3)
	})
}

var errTierFailure = errors.New("tier failure")

type failingCache struct{}

func (failingCache) Source() rpix.DataSource                            { return rpix.SourceDisk }
func (failingCache) Get(context.Context, string) (*rpix.Bitmap, error) { return nil, errTierFailure }
func (failingCache) Set(context.Context, string, *rpix.Bitmap) error   { return errTierFailure }
func (failingCache) Remove(context.Context, string) error              { return errTierFailure }
func (failingCache) Clear(context.Context) error                       { return errTierFailure }
func (failingCache) Size() int64                                       { return 0 }
