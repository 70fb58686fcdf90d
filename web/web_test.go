package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rpix/decoder"
	"github.com/ShoshinNikita/rpix/fetcher"
	"github.com/ShoshinNikita/rpix/loader"
	"github.com/ShoshinNikita/rpix/locator"
	"github.com/ShoshinNikita/rpix/pkg/disklru"
	"github.com/ShoshinNikita/rpix/pkg/cache"
	"github.com/ShoshinNikita/rpix/rpix"
)

func TestServer_handleImage(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)

	imagePath := filepath.Join(dir, "image.png")
	writeTestImage(t, imagePath, 64, 32)

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		query := url.Values{"src": {imagePath}, "w": {"16"}, "h": {"8"}}

		resp := serve(s, http.MethodGet, "/api/image?"+query.Encode(), nil)
		r.Equal(http.StatusOK, resp.Code)
		r.Equal("image/png", resp.Header().Get("Content-Type"))
		r.Equal("file", resp.Header().Get("X-Rpix-Source"))
		r.NotEmpty(resp.Header().Get("ETag"))

		cfg, err := png.DecodeConfig(resp.Body)
		r.NoError(err)
		r.Equal(16, cfg.Width)
		r.Equal(8, cfg.Height)

		resp = serve(s, http.MethodGet, "/api/image?"+query.Encode(), nil)
		r.Equal(http.StatusOK, resp.Code)
		r.Equal("memory", resp.Header().Get("X-Rpix-Source"))

		// Conditional request.
		etag := resp.Header().Get("ETag")
		resp = serve(s, http.MethodGet, "/api/image?"+query.Encode(), http.Header{"If-None-Match": {etag}})
		r.Equal(http.StatusNotModified, resp.Code)
	})

	t.Run("no cache", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		query := url.Values{"src": {imagePath}, "cache": {"none"}}
		for range 2 {
			resp := serve(s, http.MethodGet, "/api/image?"+query.Encode(), nil)
			r.Equal(http.StatusOK, resp.Code)
			r.Equal("file", resp.Header().Get("X-Rpix-Source"))
		}
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()

		for _, tt := range []struct {
			name     string
			query    url.Values
			wantCode int
		}{
			{"no src", url.Values{}, http.StatusBadRequest},
			{"no height", url.Values{"src": {imagePath}, "w": {"10"}}, http.StatusBadRequest},
			{"invalid width", url.Values{"src": {imagePath}, "w": {"-1"}, "h": {"10"}}, http.StatusBadRequest},
			{"invalid cache", url.Values{"src": {imagePath}, "cache": {"some"}}, http.StatusBadRequest},
			{"unsupported scheme", url.Values{"src": {"ftp://host/image.png"}}, http.StatusBadRequest},
			{"no scheme", url.Values{"src": {"image.png"}}, http.StatusBadRequest},
			{"not found", url.Values{"src": {filepath.Join(dir, "missing.png")}}, http.StatusNotFound},
			{"not image", url.Values{"src": {filepath.Join(dir, "text.txt")}}, http.StatusUnprocessableEntity},
			{"outside files dir", url.Values{"src": {"/etc/passwd"}}, http.StatusBadRequest},
			{"outside files dir, dot dot", url.Values{"src": {dir + "/../image.png"}}, http.StatusBadRequest},
		} {
			t.Run(tt.name, func(t *testing.T) {
				resp := serve(s, http.MethodGet, "/api/image?"+tt.query.Encode(), nil)
				require.Equal(t, tt.wantCode, resp.Code, resp.Body.String())
			})
		}
	})

	t.Run("error message is not a format", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		query := url.Values{"src": {imagePath}, "w": {"%d%s"}, "h": {"10"}}
		resp := serve(s, http.MethodGet, "/api/image?"+query.Encode(), nil)
		r.Equal(http.StatusBadRequest, resp.Code)
		r.Contains(resp.Body.String(), "%d%s")
		r.NotContains(resp.Body.String(), "%!")
	})

	t.Run("conditional request of failing source", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		query := url.Values{"src": {filepath.Join(dir, "missing.png")}}
		etag := `"` + disklru.HashKey(query.Encode()) + `"`

		resp := serve(s, http.MethodGet, "/api/image?"+query.Encode(), http.Header{"If-None-Match": {etag}})
		r.Equal(http.StatusNotFound, resp.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		t.Parallel()

		resp := serve(s, http.MethodPost, "/api/image", nil)
		require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
	})
}

func TestServer_Cache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, dir := newTestServer(t)

	imagePath := filepath.Join(dir, "image.png")
	writeTestImage(t, imagePath, 10, 10)

	resp := serve(s, http.MethodGet, "/api/image?"+url.Values{"src": {imagePath}}.Encode(), nil)
	r.Equal(http.StatusOK, resp.Code)

	getStats := func() (stats CacheStats) {
		resp := serve(s, http.MethodGet, "/api/cache/stats", nil)
		r.Equal(http.StatusOK, resp.Code)
		r.NoError(json.NewDecoder(resp.Body).Decode(&stats))
		return stats
	}

	stats := getStats()
	r.Equal(int64(10*10*4), stats.MemoryCacheSize)
	r.Equal("400 B", stats.HumanMemoryCacheSize)
	r.Zero(stats.DiskCacheSize)

	r.Equal(http.StatusMethodNotAllowed, serve(s, http.MethodGet, "/api/cache/clear-memory", nil).Code)
	r.Equal(http.StatusOK, serve(s, http.MethodPost, "/api/cache/clear-memory", nil).Code)
	r.Zero(getStats().MemoryCacheSize)

	r.Equal(http.StatusOK, serve(s, http.MethodPost, "/api/cache/flush", nil).Code)
}

func TestServer_handleVersion(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, _ := newTestServer(t)

	resp := serve(s, http.MethodGet, "/api/version", nil)
	r.Equal(http.StatusOK, resp.Code)

	var v Version
	r.NoError(json.NewDecoder(resp.Body).Decode(&v))
	r.Equal(Version{ShortGitHash: "abcdef0", CommitTime: "unknown"}, v)
}

func newTestServer(t *testing.T) (*Server, string) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "text.txt"), []byte("hello world"), 0o600))

	engine, err := loader.New(loader.Options{
		Mappers:  locator.NewDefaultChain(nil),
		Fetchers: fetcher.NewChain(fetcher.NewFileFetcher(dir)),
		Decoder:  decoder.New(100, 100),
		Cache: cache.NewManager(
			cache.NewMemoryCache(1<<20),
			cache.NewNoopCache(rpix.SourceDisk),
		),
		WorkersCount: 2,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, engine.Shutdown(ctx))
	})

	cfg := rpix.Config{
		BuildInfo:  rpix.BuildInfo{ShortGitHash: "abcdef0", CommitTime: "unknown"},
		ServerPort: 8080,
	}
	return NewServer(cfg, engine), dir
}

func serve(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func writeTestImage(t *testing.T, path string, width, height int) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}
