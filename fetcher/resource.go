package fetcher

import (
	"context"
	"fmt"
	"io"

	"github.com/ShoshinNikita/rpix/rpix"
)

const mimeTypeSVG = "image/svg+xml"

// ResourceFetcher loads resource: locators from a [rpix.ResourceCatalog]. SVG resources
// are returned as [rpix.Vector] without decoding.
type ResourceFetcher struct {
	catalog *rpix.ResourceCatalog
}

var _ rpix.Fetcher = (*ResourceFetcher)(nil)

func NewResourceFetcher(catalog *rpix.ResourceCatalog) *ResourceFetcher {
	return &ResourceFetcher{
		catalog: catalog,
	}
}

func (*ResourceFetcher) Name() string {
	return "resource"
}

func (f *ResourceFetcher) Handles(loc rpix.Locator) bool {
	id, ok := loc.ResourceID()
	return ok && f.catalog.Has(id)
}

func (*ResourceFetcher) Key(loc rpix.Locator) string {
	return loc.String()
}

func (f *ResourceFetcher) Fetch(ctx context.Context, loc rpix.Locator, _ rpix.Size) (rpix.FetchResult, error) {
	id, ok := loc.ResourceID()
	if !ok {
		return nil, fmt.Errorf("%w: %q", rpix.ErrUnsupportedLocator, loc)
	}
	name, ok := f.catalog.Name(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource %d", rpix.ErrUnsupportedLocator, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := f.catalog.Open(id)
	if err != nil {
		return nil, fmt.Errorf("couldn't open resource %d: %w", id, err)
	}

	mimeType := mimeTypeByName(name)
	if mimeType != mimeTypeSVG {
		return rpix.SourceResult{
			Body:     file,
			MimeType: mimeType,
			Source:   rpix.SourceResource,
		}, nil
	}

	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("couldn't read resource %d: %w", id, err)
	}
	return rpix.DrawableResult{
		Drawable: &rpix.Vector{Data: data, MimeType: mimeType},
		Source:   rpix.SourceResource,
	}, nil
}
