package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShoshinNikita/rpix/rpix"
)

// FileFetcher loads file:// locators. If the root is set, only files inside it
// are handled.
type FileFetcher struct {
	root string
}

var _ rpix.Fetcher = (*FileFetcher)(nil)

// NewFileFetcher returns a fetcher of local files under root. An empty root
// allows any path.
func NewFileFetcher(root string) *FileFetcher {
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		root = filepath.Clean(root)
	}
	return &FileFetcher{root: root}
}

func (*FileFetcher) Name() string {
	return "file"
}

func (f *FileFetcher) Handles(loc rpix.Locator) bool {
	if loc.Scheme() != rpix.SchemeFile {
		return false
	}
	path, ok := loc.FilePath()
	return ok && f.isAllowed(string(path))
}

// isAllowed reports whether the path is inside the root. Symlinks are not resolved.
func (f *FileFetcher) isAllowed(path string) bool {
	if f.root == "" {
		return true
	}
	if !filepath.IsAbs(path) {
		return false
	}

	rel, err := filepath.Rel(f.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (*FileFetcher) Key(loc rpix.Locator) string {
	return loc.String()
}

func (f *FileFetcher) Fetch(ctx context.Context, loc rpix.Locator, _ rpix.Size) (rpix.FetchResult, error) {
	path, ok := loc.FilePath()
	if !ok || !f.isAllowed(string(path)) {
		return nil, fmt.Errorf("%w: %q", rpix.ErrUnsupportedLocator, loc)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(string(path))
	if err != nil {
		return nil, fmt.Errorf("couldn't open file: %w", err)
	}

	return rpix.SourceResult{
		Body:     file,
		MimeType: mimeTypeByName(string(path)),
		Source:   rpix.SourceFile,
	}, nil
}
