// Package decoder decodes raster images with down-sampling to the target size.
package decoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	// Register decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/ShoshinNikita/rpix/pkg/misc"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

const mimeTypeSVG = "image/svg+xml"

// Decoder decodes images and reduces them by a power of two, so the result is
// still not smaller than the target size. If the target size is undefined, the
// max size is used instead. A non-positive max size disables the reduction.
type Decoder struct {
	maxSize rpix.Size
}

var _ rpix.Decoder = (*Decoder)(nil)

func New(maxWidth, maxHeight int) *Decoder {
	return &Decoder{
		maxSize: rpix.NewSize(maxWidth, maxHeight),
	}
}

func (d *Decoder) Decode(ctx context.Context, r io.Reader, mimeType string, size rpix.Size, _ rpix.DecodeOptions) (rpix.Drawable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("couldn't read image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if mimeType == mimeTypeSVG {
		return &rpix.Vector{Data: data, MimeType: mimeType}, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rpix.ErrDecodeFailure, err)
	}

	target := size
	if !target.IsDefined() {
		target = d.maxSize
	}
	sampleSize := calculateSampleSize(cfg.Width, cfg.Height, target.Width, target.Height)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rpix.ErrDecodeFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if sampleSize > 1 {
		img = downsample(img, sampleSize)
	}

	rlog.Debugf(
		"%s image %s was decoded to %s, payload size: %s",
		format, misc.FormatPixels(cfg.Width, cfg.Height), misc.FormatPixels(img.Bounds().Dx(), img.Bounds().Dy()),
		misc.FormatFileSize(int64(len(data))),
	)

	return rpix.NewBitmap(img), nil
}

// calculateSampleSize returns the largest power of two that keeps both dimensions
// not smaller than the requested ones. Non-positive requested dimensions mean
// no reduction.
func calculateSampleSize(srcWidth, srcHeight, reqWidth, reqHeight int) int {
	sampleSize := 1
	if reqWidth <= 0 || reqHeight <= 0 {
		return sampleSize
	}
	if srcHeight > reqHeight || srcWidth > reqWidth {
		halfHeight := srcHeight / 2
		halfWidth := srcWidth / 2

		for halfHeight/sampleSize >= reqHeight && halfWidth/sampleSize >= reqWidth {
			sampleSize *= 2
		}
	}
	return sampleSize
}

func downsample(src image.Image, sampleSize int) image.Image {
	bounds := src.Bounds()

	dst := image.NewRGBA(image.Rect(
		0, 0,
		max(bounds.Dx()/sampleSize, 1),
		max(bounds.Dy()/sampleSize, 1),
	))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst
}
