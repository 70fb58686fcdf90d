package cache

import (
	"context"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rpix/pkg/disklru"
	"github.com/ShoshinNikita/rpix/rpix"
)

func TestDiskCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	cache, err := NewDiskCache(t.TempDir(), 1, 1<<20, rpix.DiskFormatPNG)
	r.NoError(err)
	t.Cleanup(func() { cache.Shutdown(ctx) })

	t.Run("miss", func(t *testing.T) {
		r := require.New(t)

		_, err := cache.Get(ctx, "https://example.com/missing.png")
		r.ErrorIs(err, rpix.ErrCacheMiss)
	})

	t.Run("set and get", func(t *testing.T) {
		r := require.New(t)

		const key = "https://example.com/1.png-10,20"

		want := newTestBitmap(10, 20, color.RGBA{R: 255, A: 255})
		r.NoError(cache.Set(ctx, key, want))

		got, err := cache.Get(ctx, key)
		r.NoError(err)
		requireSameImage(t, want, got)
		r.Positive(cache.Size())
	})

	t.Run("remove", func(t *testing.T) {
		r := require.New(t)

		const key = "remove"

		r.NoError(cache.Set(ctx, key, newTestBitmap(5, 5, color.White)))
		r.NoError(cache.Remove(ctx, key))

		_, err := cache.Get(ctx, key)
		r.ErrorIs(err, rpix.ErrCacheMiss)
	})

	t.Run("released bitmap", func(t *testing.T) {
		r := require.New(t)

		b := newTestBitmap(5, 5, color.White)
		b.Release()
		r.ErrorIs(cache.Set(ctx, "released", b), rpix.ErrInvalidValue)
	})

	t.Run("cancelled write", func(t *testing.T) {
		r := require.New(t)

		cancelledCtx, cancel := context.WithCancel(ctx)
		cancel()

		err := cache.Set(cancelledCtx, "cancelled", newTestBitmap(5, 5, color.White))
		r.ErrorIs(err, context.Canceled)

		_, err = cache.Get(ctx, "cancelled")
		r.ErrorIs(err, rpix.ErrCacheMiss)
	})

	t.Run("concurrent write", func(t *testing.T) {
		r := require.New(t)

		const key = "concurrent"

		editor, err := cache.store.Edit(disklru.HashKey(key))
		r.NoError(err)

		r.NoError(cache.Set(ctx, key, newTestBitmap(5, 5, color.White)))
		r.NoError(editor.Abort())

		_, err = cache.Get(ctx, key)
		r.ErrorIs(err, rpix.ErrCacheMiss)
	})

	t.Run("corrupt value", func(t *testing.T) {
		r := require.New(t)

		const key = "corrupt"

		editor, err := cache.store.Edit(disklru.HashKey(key))
		r.NoError(err)
		w, err := editor.NewWriter()
		r.NoError(err)
		_, err = io.WriteString(w, "not an image")
		r.NoError(err)
		r.NoError(editor.Commit())

		_, err = cache.Get(ctx, key)
		r.ErrorIs(err, rpix.ErrCacheMiss)

		_, err = cache.store.Get(disklru.HashKey(key))
		r.ErrorIs(err, disklru.ErrNotFound)
	})

	t.Run("clear", func(t *testing.T) {
		r := require.New(t)

		r.NoError(cache.Set(ctx, "clear", newTestBitmap(5, 5, color.White)))
		r.NoError(cache.Clear(ctx))
		r.Zero(cache.Size())

		_, err := cache.Get(ctx, "clear")
		r.ErrorIs(err, rpix.ErrCacheMiss)

		r.NoError(cache.Set(ctx, "clear", newTestBitmap(5, 5, color.White)))
		_, err = cache.Get(ctx, "clear")
		r.NoError(err)
	})
}

func TestDiskCache_Reopen(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()

	cache, err := NewDiskCache(dir, 1, 1<<20, rpix.DiskFormatPNG)
	r.NoError(err)

	want := newTestBitmap(8, 8, color.RGBA{G: 255, A: 255})
	r.NoError(cache.Set(ctx, "key", want))
	r.NoError(cache.Shutdown(ctx))

	cache, err = NewDiskCache(dir, 1, 1<<20, rpix.DiskFormatPNG)
	r.NoError(err)
	defer cache.Shutdown(ctx)

	got, err := cache.Get(ctx, "key")
	r.NoError(err)
	requireSameImage(t, want, got)
}

func TestDiskCache_JPEG(t *testing.T) {
	t.Parallel()

	r := require.New(t)
	ctx := context.Background()

	cache, err := NewDiskCache(t.TempDir(), 1, 1<<20, rpix.DiskFormatJPEG)
	r.NoError(err)
	defer cache.Shutdown(ctx)

	r.NoError(cache.Set(ctx, "key", newTestBitmap(16, 8, color.White)))

	got, err := cache.Get(ctx, "key")
	r.NoError(err)
	r.Equal(rpix.NewSize(16, 8), got.Size())

	_, err = NewDiskCache(t.TempDir(), 1, 1<<20, "gif")
	r.Error(err)
}

func newTestBitmap(width, height int, c color.Color) *rpix.Bitmap {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, c)
		}
	}
	return rpix.NewBitmap(img)
}

func requireSameImage(t *testing.T, want, got *rpix.Bitmap) {
	t.Helper()

	r := require.New(t)

	r.Equal(want.Image().Bounds(), got.Image().Bounds())

	bounds := want.Image().Bounds()
	for x := bounds.Min.X; x < bounds.Max.X; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			r.Equal(
				color.RGBAModel.Convert(want.Image().At(x, y)),
				color.RGBAModel.Convert(got.Image().At(x, y)),
			)
		}
	}
}
