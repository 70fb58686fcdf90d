// Package fetcher provides fetchers for network, local and embedded images.
package fetcher

import (
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/ShoshinNikita/rpix/rpix"
)

// Chain selects the first registered fetcher that handles a locator.
type Chain struct {
	fetchers []rpix.Fetcher
}

func NewChain(fetchers ...rpix.Fetcher) *Chain {
	return &Chain{
		fetchers: fetchers,
	}
}

// Resolve returns [rpix.ErrUnsupportedLocator] if no fetcher handles the locator.
func (c *Chain) Resolve(loc rpix.Locator) (rpix.Fetcher, error) {
	for _, f := range c.fetchers {
		if f.Handles(loc) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", rpix.ErrUnsupportedLocator, loc)
}

func mimeTypeByName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	mimeType, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil {
		return ""
	}
	return mimeType
}
