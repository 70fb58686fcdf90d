// Package locator converts request inputs into canonical locators.
package locator

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ShoshinNikita/rpix/rpix"
)

// Chain tries mappers in the registration order. The first mapper that handles
// the input wins.
type Chain struct {
	mappers []rpix.Mapper
}

func NewChain(mappers ...rpix.Mapper) *Chain {
	return &Chain{
		mappers: mappers,
	}
}

// NewDefaultChain returns a chain with all built-in mappers. catalog can be nil.
func NewDefaultChain(catalog *rpix.ResourceCatalog) *Chain {
	mappers := []rpix.Mapper{
		StringMapper(),
		URLMapper(),
		FilePathMapper(),
	}
	if catalog != nil {
		mappers = append(mappers, ResourceMapper(catalog))
	}
	return NewChain(mappers...)
}

// Map returns [rpix.ErrUnsupportedInput] if no mapper handles the input. Locators
// are returned as is.
func (c *Chain) Map(input any) (rpix.Locator, error) {
	if loc, ok := input.(rpix.Locator); ok {
		return loc, nil
	}

	for _, m := range c.mappers {
		if m.Handles(input) {
			return m.Map(input)
		}
	}
	return rpix.Locator{}, fmt.Errorf("%w: %T", rpix.ErrUnsupportedInput, input)
}

type typedMapper[T any] struct {
	handles func(T) bool
	mapFn   func(T) (rpix.Locator, error)
}

// NewMapper returns a mapper for inputs of type T. handles can be nil, in this
// case all inputs of type T are handled.
func NewMapper[T any](handles func(T) bool, mapFn func(T) (rpix.Locator, error)) rpix.Mapper {
	return typedMapper[T]{
		handles: handles,
		mapFn:   mapFn,
	}
}

func (m typedMapper[T]) Handles(input any) bool {
	v, ok := input.(T)
	if !ok {
		return false
	}
	return m.handles == nil || m.handles(v)
}

func (m typedMapper[T]) Map(input any) (rpix.Locator, error) {
	v, ok := input.(T)
	if !ok {
		return rpix.Locator{}, fmt.Errorf("%w: %T", rpix.ErrUnsupportedInput, input)
	}
	return m.mapFn(v)
}

// StringMapper handles non-empty strings. Absolute paths become file:// locators,
// everything else must be an absolute URI. Strings are normalized to NFC, so
// equal paths typed on different systems produce the same locator.
func StringMapper() rpix.Mapper {
	return NewMapper(
		func(s string) bool {
			return strings.TrimSpace(s) != ""
		},
		func(s string) (rpix.Locator, error) {
			s = norm.NFC.String(strings.TrimSpace(s))

			if filepath.IsAbs(s) {
				return rpix.FileLocator(rpix.FilePath(filepath.Clean(s))), nil
			}
			return rpix.ParseLocator(s)
		},
	)
}

func URLMapper() rpix.Mapper {
	return NewMapper(
		func(u *url.URL) bool {
			return u != nil && u.Scheme != ""
		},
		func(u *url.URL) (rpix.Locator, error) {
			return rpix.NewLocator(u), nil
		},
	)
}

// FilePathMapper converts relative paths to absolute ones.
func FilePathMapper() rpix.Mapper {
	return NewMapper(
		func(p rpix.FilePath) bool {
			return p != ""
		},
		func(p rpix.FilePath) (rpix.Locator, error) {
			abs, err := filepath.Abs(norm.NFC.String(string(p)))
			if err != nil {
				return rpix.Locator{}, fmt.Errorf("couldn't get absolute path: %w", err)
			}
			return rpix.FileLocator(rpix.FilePath(abs)), nil
		},
	)
}

// ResourceMapper handles only the resources registered in the catalog.
func ResourceMapper(catalog *rpix.ResourceCatalog) rpix.Mapper {
	return NewMapper(
		catalog.Has,
		func(id rpix.ResourceID) (rpix.Locator, error) {
			return rpix.ResourceLocator(id), nil
		},
	)
}
