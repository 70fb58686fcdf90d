package rpix

import (
	"image"
	"io"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLocator(t *testing.T) {
	t.Parallel()

	t.Run("parse", func(t *testing.T) {
		r := require.New(t)

		loc, err := ParseLocator("HTTPS://example.com/a.png?x=1")
		r.NoError(err)
		r.Equal(SchemeHTTPS, loc.Scheme())
		r.Equal("https://example.com/a.png?x=1", loc.String())

		_, err = ParseLocator("example.com/a.png")
		r.ErrorIs(err, ErrUnsupportedInput)
	})

	t.Run("file", func(t *testing.T) {
		r := require.New(t)

		loc := FileLocator("/home/user/Персик.png")
		r.Equal(SchemeFile, loc.Scheme())

		path, ok := loc.FilePath()
		r.True(ok)
		r.Equal(FilePath("/home/user/Персик.png"), path)

		_, ok = loc.ResourceID()
		r.False(ok)
	})

	t.Run("resource", func(t *testing.T) {
		r := require.New(t)

		loc := ResourceLocator(42)
		r.Equal("resource:42", loc.String())

		id, ok := loc.ResourceID()
		r.True(ok)
		r.Equal(ResourceID(42), id)

		parsed, err := ParseLocator("resource:42")
		r.NoError(err)
		r.Equal(loc, parsed)
	})

	t.Run("url copy", func(t *testing.T) {
		r := require.New(t)

		loc, err := ParseLocator("https://example.com/a.png")
		r.NoError(err)

		u := loc.URL()
		u.Path = "/b.png"
		r.Equal("https://example.com/a.png", loc.String())
	})
}

func TestSize(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	r.False(SizeUndefined.IsDefined())
	r.False(NewSize(100, 0).IsDefined())
	r.True(NewSize(100, 50).IsDefined())
	r.Equal("100x50", NewSize(100, 50).String())
	r.Equal("undefined", SizeUndefined.String())
}

func TestRequest(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	req := NewRequest("https://example.com/a.png")
	r.False(req.Size().IsDefined())
	r.True(req.CacheReadEnabled())
	r.True(req.CacheWriteEnabled())
	r.Nil(req.Placeholder())

	placeholder := &Vector{Data: []byte("<svg/>"), MimeType: "image/svg+xml"}
	req = NewRequest(FilePath("/a.png"), WithSize(10, 20), WithPlaceholder(placeholder), WithoutCacheRead(), WithoutCacheWrite())
	r.Equal(NewSize(10, 20), req.Size())
	r.Equal(FilePath("/a.png"), req.Input())
	r.Same(placeholder, req.Placeholder())
	r.False(req.CacheReadEnabled())
	r.False(req.CacheWriteEnabled())
}

func TestBitmap(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	b := NewBitmap(image.NewRGBA(image.Rect(0, 0, 10, 20)))
	r.Equal(NewSize(10, 20), b.Size())
	r.EqualValues(800, b.ByteCount())
	r.False(b.Released())

	b.Release()
	r.True(b.Released())
}

func TestResourceCatalog(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	fsys := fstest.MapFS{
		"1.png":        {Data: []byte("png")},
		"2.svg":        {Data: []byte("<svg/>")},
		"readme.txt":   {Data: []byte("text")},
		"dir/3.png":    {Data: []byte("nested")},
		"10.jpg":       {Data: []byte("jpg")},
		"not-a-10.gif": {Data: []byte("gif")},
	}

	catalog, err := LoadResourceCatalog(fsys)
	r.NoError(err)
	r.Equal([]ResourceID{1, 2, 10}, catalog.IDs())
	r.True(catalog.Has(2))
	r.False(catalog.Has(3))

	name, ok := catalog.Name(2)
	r.True(ok)
	r.Equal("2.svg", name)

	f, err := catalog.Open(10)
	r.NoError(err)
	data, err := io.ReadAll(f)
	r.NoError(err)
	r.NoError(f.Close())
	r.Equal("jpg", string(data))

	_, err = catalog.Open(3)
	r.Error(err)

	_, err = LoadResourceCatalog(fstest.MapFS{
		"1.png": {Data: []byte("png")},
		"1.jpg": {Data: []byte("jpg")},
	})
	r.Error(err)
}
