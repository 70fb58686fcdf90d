package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/rpix/fetcher"
	"github.com/ShoshinNikita/rpix/loader"
	"github.com/ShoshinNikita/rpix/pkg/disklru"
	"github.com/ShoshinNikita/rpix/pkg/misc"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

const imageMaxAge = 24 * time.Hour

type Server struct {
	buildInfo rpix.BuildInfo

	httpServer *http.Server

	engine Engine
}

type Engine interface {
	Execute(ctx context.Context, slot rpix.Slot, req rpix.Request) (rpix.Drawable, rpix.DataSource, error)
	ClearMemory(ctx context.Context) error
	Flush() error
	Stats() loader.Stats
}

func NewServer(cfg rpix.Config, engine Engine) (s *Server) {
	s = &Server{
		buildInfo: cfg.BuildInfo,
		engine:    engine,
	}

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("/api/image", s.handleImage)
	mux.HandleFunc("/api/cache/clear-memory", s.handleClearMemory)
	mux.HandleFunc("/api/cache/flush", s.handleFlush)
	mux.HandleFunc("/api/cache/stats", s.handleStats)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	req, err := requestFromQuery(r)
	if err != nil {
		writeBadRequestError(w, "%s", err)
		return
	}

	d, source, err := s.engine.Execute(r.Context(), nil, req)
	if err != nil {
		if loader.IsCancelled(err) {
			// The client is gone.
			return
		}
		writeError(w, errorStatusCode(err), "couldn't load image: %s", err)
		return
	}

	// Images at the same url are the same, so the query is a good enough etag.
	// It is checked only after a successful load: failed sources must not get 304.
	etag := disklru.HashKey(r.URL.RawQuery)
	if r.Header.Get("If-None-Match") == `"`+etag+`"` {
		setCacheHeaders(w, imageMaxAge, etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var (
		contentType string
		body        []byte
	)
	switch d := d.(type) {
	case *rpix.Bitmap:
		buf := bytes.NewBuffer(nil)
		if err := png.Encode(buf, d.Image()); err != nil {
			writeInternalServerError(w, "couldn't encode image: %s", err)
			return
		}
		contentType, body = "image/png", buf.Bytes()

	case *rpix.Vector:
		contentType, body = d.MimeType, d.Data

	default:
		writeInternalServerError(w, "unexpected drawable: %T", d)
		return
	}

	setCacheHeaders(w, imageMaxAge, etag)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Rpix-Source", source.String())
	copyResponse(w, bytes.NewReader(body))
}

func requestFromQuery(r *http.Request) (rpix.Request, error) {
	query := r.URL.Query()

	src := query.Get("src")
	if src == "" {
		return rpix.Request{}, errors.New("src can't be empty")
	}

	var opts []rpix.RequestOption

	rawWidth, rawHeight := query.Get("w"), query.Get("h")
	if rawWidth != "" || rawHeight != "" {
		width, err := strconv.Atoi(rawWidth)
		if err != nil || width <= 0 {
			return rpix.Request{}, fmt.Errorf("invalid width: %q", rawWidth)
		}
		height, err := strconv.Atoi(rawHeight)
		if err != nil || height <= 0 {
			return rpix.Request{}, fmt.Errorf("invalid height: %q", rawHeight)
		}
		opts = append(opts, rpix.WithSize(width, height))
	}

	switch cache := query.Get("cache"); cache {
	case "", "all":
	case "no-read":
		opts = append(opts, rpix.WithoutCacheRead())
	case "no-write":
		opts = append(opts, rpix.WithoutCacheWrite())
	case "none":
		opts = append(opts, rpix.WithoutCacheRead(), rpix.WithoutCacheWrite())
	default:
		return rpix.Request{}, fmt.Errorf("invalid cache mode %q, valid values: all, no-read, no-write, none", cache)
	}

	return rpix.NewRequest(src, opts...), nil
}

func errorStatusCode(err error) int {
	var httpErr *fetcher.HTTPError
	switch {
	case errors.Is(err, rpix.ErrUnsupportedInput), errors.Is(err, rpix.ErrUnsupportedLocator):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, rpix.ErrDecodeFailure):
		return http.StatusUnprocessableEntity
	case errors.As(err, &httpErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	if err := s.engine.ClearMemory(r.Context()); err != nil {
		writeInternalServerError(w, "couldn't clear memory cache: %s", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	if err := s.engine.Flush(); err != nil {
		writeInternalServerError(w, "couldn't flush cache: %s", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	stats := s.engine.Stats()
	resp := CacheStats{
		MemoryCacheSize:      stats.MemoryCacheSize,
		HumanMemoryCacheSize: misc.FormatFileSize(stats.MemoryCacheSize),
		DiskCacheSize:        stats.DiskCacheSize,
		HumanDiskCacheSize:   misc.FormatFileSize(stats.DiskCacheSize),
		Slots:                stats.Slots,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Version{
		ShortGitHash: s.buildInfo.ShortGitHash,
		CommitTime:   s.buildInfo.CommitTime,
	})
}

func copyResponse(w http.ResponseWriter, src io.Reader) {
	_, err := io.Copy(w, src)
	if err != nil {
		rlog.Debugf("couldn't write response: %s", err)
	}
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	code := http.StatusMethodNotAllowed
	http.Error(w, http.StatusText(code), code)
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
