package rpix

import "fmt"

// Request describes a single image load. It is immutable: use [NewRequest] with
// options to build one.
type Request struct {
	input       any
	size        Size
	placeholder Drawable

	cacheReadDisabled  bool
	cacheWriteDisabled bool
}

type RequestOption func(*Request)

// NewRequest returns a request for the input. The input can be anything a registered
// mapper accepts: a string, [*url.URL], [FilePath], [ResourceID] or [Locator].
func NewRequest(input any, opts ...RequestOption) Request {
	req := Request{input: input}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// WithSize sets the target size. An undefined size is resolved from the slot.
func WithSize(width, height int) RequestOption {
	return func(r *Request) {
		r.size = NewSize(width, height)
	}
}

// WithPlaceholder sets the drawable shown while the request is in progress.
func WithPlaceholder(d Drawable) RequestOption {
	return func(r *Request) {
		r.placeholder = d
	}
}

// WithoutCacheRead disables the disk tier lookup.
func WithoutCacheRead() RequestOption {
	return func(r *Request) {
		r.cacheReadDisabled = true
	}
}

// WithoutCacheWrite disables saving of the result to the cache tiers.
func WithoutCacheWrite() RequestOption {
	return func(r *Request) {
		r.cacheWriteDisabled = true
	}
}

func (r Request) Input() any {
	return r.input
}

func (r Request) Size() Size {
	return r.size
}

func (r Request) Placeholder() Drawable {
	return r.placeholder
}

func (r Request) CacheReadEnabled() bool {
	return !r.cacheReadDisabled
}

func (r Request) CacheWriteEnabled() bool {
	return !r.cacheWriteDisabled
}

func (r Request) String() string {
	return fmt.Sprintf("%v (size: %s)", r.input, r.size)
}
