package cache

import (
	"context"

	"github.com/ShoshinNikita/rpix/rpix"
)

// NoopCache is used instead of a disabled tier.
type NoopCache struct {
	source rpix.DataSource
}

var _ rpix.Cache = (*NoopCache)(nil)

func NewNoopCache(source rpix.DataSource) *NoopCache { return &NoopCache{source: source} }

func (c NoopCache) Source() rpix.DataSource                         { return c.source }
func (NoopCache) Get(context.Context, string) (*rpix.Bitmap, error) { return nil, rpix.ErrCacheMiss }
func (NoopCache) Set(context.Context, string, *rpix.Bitmap) error   { return nil }
func (NoopCache) Remove(context.Context, string) error              { return nil }
func (NoopCache) Clear(context.Context) error                       { return nil }
func (NoopCache) Size() int64                                       { return 0 }
