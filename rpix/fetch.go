package rpix

import (
	"context"
	"io"
)

// DataSource is where a result came from.
type DataSource int

const (
	SourceMemory DataSource = iota + 1
	SourceDisk
	SourceFile
	SourceNetwork
	SourceResource
)

func (s DataSource) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceFile:
		return "file"
	case SourceNetwork:
		return "network"
	case SourceResource:
		return "resource"
	default:
		return "unknown"
	}
}

// FetchResult is one of [SourceResult] and [DrawableResult].
type FetchResult interface {
	isFetchResult()
}

// SourceResult is a raw payload that must be decoded. The caller must close Body.
type SourceResult struct {
	Body     io.ReadCloser
	MimeType string
	Source   DataSource
}

// DrawableResult is an already materialized image, it is not decoded.
type DrawableResult struct {
	Drawable Drawable
	Source   DataSource
}

func (SourceResult) isFetchResult()   {}
func (DrawableResult) isFetchResult() {}

// Mapper converts a request input into a [Locator].
type Mapper interface {
	Handles(input any) bool
	Map(input any) (Locator, error)
}

// Fetcher loads data for a [Locator].
type Fetcher interface {
	// Name is used for logs and metrics.
	Name() string
	Handles(Locator) bool
	// Key returns the base of the cache key. An empty key disables caching.
	Key(Locator) string
	Fetch(ctx context.Context, loc Locator, size Size) (FetchResult, error)
}

type DecodeOptions struct {
	CacheRead  bool
	CacheWrite bool
}

// Decoder converts a raw payload into a drawable. Errors must wrap [ErrDecodeFailure].
type Decoder interface {
	Decode(ctx context.Context, r io.Reader, mimeType string, size Size, opts DecodeOptions) (Drawable, error)
}
