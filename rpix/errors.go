package rpix

import "errors"

var (
	ErrUnsupportedInput   = errors.New("no mapper can handle the input")
	ErrUnsupportedLocator = errors.New("no fetcher can handle the locator")
	ErrDecodeFailure      = errors.New("couldn't decode image")
	ErrCacheMiss          = errors.New("cache miss")
	ErrInvalidValue       = errors.New("value can't be cached")
)
