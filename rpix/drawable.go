package rpix

import (
	"image"
	"sync/atomic"
)

// Drawable is a result that can be delivered to a slot. The set of drawables is
// closed: [*Bitmap] and [*Vector].
type Drawable interface {
	isDrawable()
}

var (
	_ Drawable = (*Bitmap)(nil)
	_ Drawable = (*Vector)(nil)
)

// Bitmap is a decoded raster image. Only bitmaps can be stored in the cache tiers.
type Bitmap struct {
	img      image.Image
	released atomic.Bool
}

func NewBitmap(img image.Image) *Bitmap {
	return &Bitmap{img: img}
}

func (*Bitmap) isDrawable() {}

func (b *Bitmap) Image() image.Image {
	return b.img
}

func (b *Bitmap) Size() Size {
	bounds := b.img.Bounds()
	return NewSize(bounds.Dx(), bounds.Dy())
}

// ByteCount returns the memory footprint of the pixels, 4 bytes per pixel.
func (b *Bitmap) ByteCount() int64 {
	bounds := b.img.Bounds()
	return int64(bounds.Dx()) * int64(bounds.Dy()) * 4
}

// Release marks the bitmap as unusable. Released bitmaps are rejected by the caches.
func (b *Bitmap) Release() {
	b.released.Store(true)
}

func (b *Bitmap) Released() bool {
	return b.released.Load()
}

// Vector is a materialized image that is drawn by the consumer itself, for example SVG.
// Vectors are never cached.
type Vector struct {
	Data     []byte
	MimeType string
}

func (*Vector) isDrawable() {}
