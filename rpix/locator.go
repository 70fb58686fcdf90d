package rpix

import (
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	SchemeHTTP     = "http"
	SchemeHTTPS    = "https"
	SchemeFile     = "file"
	SchemeResource = "resource"
)

// Locator is a canonical URI-like identifier of an image.
type Locator struct {
	u url.URL
}

// ParseLocator parses an absolute URI.
func ParseLocator(s string) (Locator, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: invalid locator: %w", ErrUnsupportedInput, err)
	}
	if u.Scheme == "" {
		return Locator{}, fmt.Errorf("%w: invalid locator %q: scheme is required", ErrUnsupportedInput, s)
	}
	return NewLocator(u), nil
}

func NewLocator(u *url.URL) Locator {
	l := Locator{u: *u}
	l.u.Scheme = strings.ToLower(l.u.Scheme)
	return l
}

// FileLocator returns a file:// locator for the absolute path.
func FileLocator(p FilePath) Locator {
	return Locator{
		u: url.URL{Scheme: SchemeFile, Path: filepath.ToSlash(string(p))},
	}
}

func ResourceLocator(id ResourceID) Locator {
	return Locator{
		u: url.URL{Scheme: SchemeResource, Opaque: strconv.Itoa(int(id))},
	}
}

func (l Locator) IsZero() bool {
	return l.u == url.URL{}
}

func (l Locator) Scheme() string {
	return l.u.Scheme
}

// URL returns a copy of the underlying URL.
func (l Locator) URL() *url.URL {
	u := l.u
	return &u
}

// FilePath returns the local path of a file:// locator.
func (l Locator) FilePath() (FilePath, bool) {
	if l.u.Scheme != SchemeFile {
		return "", false
	}
	return FilePath(filepath.FromSlash(l.u.Path)), true
}

func (l Locator) ResourceID() (ResourceID, bool) {
	if l.u.Scheme != SchemeResource {
		return 0, false
	}
	id, err := strconv.Atoi(l.u.Opaque)
	if err != nil {
		return 0, false
	}
	return ResourceID(id), true
}

func (l Locator) String() string {
	return l.u.String()
}

// FilePath is a path of a local file.
type FilePath string

// ResourceID identifies an embedded resource registered in a [ResourceCatalog].
type ResourceID int

// ResourceCatalog maps resource ids to files of a file system.
type ResourceCatalog struct {
	fsys  fs.FS
	names map[ResourceID]string
}

func NewResourceCatalog(fsys fs.FS, names map[ResourceID]string) *ResourceCatalog {
	return &ResourceCatalog{
		fsys:  fsys,
		names: names,
	}
}

// LoadResourceCatalog registers every file in the root of fsys whose name without
// extension is a number, for example "12.png" becomes resource 12.
func LoadResourceCatalog(fsys fs.FS) (*ResourceCatalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("couldn't read resources: %w", err)
	}

	names := make(map[ResourceID]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		id, err := strconv.Atoi(strings.TrimSuffix(name, path.Ext(name)))
		if err != nil {
			continue
		}
		if prev, ok := names[ResourceID(id)]; ok {
			return nil, fmt.Errorf("resource %d has several files: %q, %q", id, prev, name)
		}
		names[ResourceID(id)] = name
	}
	return NewResourceCatalog(fsys, names), nil
}

func (c *ResourceCatalog) Has(id ResourceID) bool {
	_, ok := c.names[id]
	return ok
}

// Name returns the file name of the resource.
func (c *ResourceCatalog) Name(id ResourceID) (string, bool) {
	name, ok := c.names[id]
	return name, ok
}

func (c *ResourceCatalog) Open(id ResourceID) (fs.File, error) {
	name, ok := c.names[id]
	if !ok {
		return nil, fmt.Errorf("resource %d: %w", id, fs.ErrNotExist)
	}
	return c.fsys.Open(name)
}

func (c *ResourceCatalog) IDs() []ResourceID {
	ids := make([]ResourceID, 0, len(c.names))
	for id := range c.names {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
