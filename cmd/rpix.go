package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/ShoshinNikita/rpix/decoder"
	"github.com/ShoshinNikita/rpix/fetcher"
	"github.com/ShoshinNikita/rpix/loader"
	"github.com/ShoshinNikita/rpix/locator"
	"github.com/ShoshinNikita/rpix/pkg/cache"
	"github.com/ShoshinNikita/rpix/pkg/misc"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
	"github.com/ShoshinNikita/rpix/web"
)

type Rpix struct {
	cfg rpix.Config

	memoryCache *cache.MemoryCache
	diskCache   *cache.DiskCache

	dispatcher     *loader.SerialDispatcher
	stopDispatcher context.CancelFunc

	engine *loader.Engine

	server *web.Server
}

func NewRpix(cfg rpix.Config) *Rpix {
	return &Rpix{
		cfg: cfg,
	}
}

func (r *Rpix) Prepare() (err error) {
	if err := os.MkdirAll(r.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", r.cfg.Dir, err)
	}

	// Resources
	var catalog *rpix.ResourceCatalog
	if r.cfg.ResourcesDir != "" {
		catalog, err = rpix.LoadResourceCatalog(os.DirFS(r.cfg.ResourcesDir))
		if err != nil {
			return fmt.Errorf("couldn't load resources from %q: %w", r.cfg.ResourcesDir, err)
		}
		rlog.Infof("loaded %d resource(s)", len(catalog.IDs()))
	}

	// Cache
	r.memoryCache = cache.NewMemoryCache(r.cfg.MemoryCacheSize.Bytes())

	var diskTier rpix.Cache
	if r.cfg.DiskCacheSize > 0 {
		r.diskCache, err = cache.NewDiskCache(
			filepath.Join(r.cfg.Dir, "cache"), r.cfg.AppVersion, r.cfg.DiskCacheSize.Bytes(), r.cfg.DiskFormat,
		)
		if err != nil {
			return fmt.Errorf("couldn't prepare disk cache: %w", err)
		}
		rlog.Infof("disk cache is ready, size: %s", misc.FormatFileSize(r.diskCache.Size()))

		diskTier = r.diskCache
	} else {
		rlog.Debug("disk cache is disabled")

		diskTier = cache.NewNoopCache(rpix.SourceDisk)
	}

	// Fetchers
	fetchers := []rpix.Fetcher{
		fetcher.NewHTTPFetcher(nil),
	}
	if r.cfg.FilesDir != "" {
		fetchers = append(fetchers, fetcher.NewFileFetcher(r.cfg.FilesDir))
	} else {
		rlog.Debug("local files are not served")
	}
	if catalog != nil {
		fetchers = append(fetchers, fetcher.NewResourceFetcher(catalog))
	}

	// Engine
	r.dispatcher = loader.NewSerialDispatcher()
	r.engine, err = loader.New(loader.Options{
		Mappers:      locator.NewDefaultChain(catalog),
		Fetchers:     fetcher.NewChain(fetchers...),
		Decoder:      decoder.New(r.cfg.MaxDecodeWidth, r.cfg.MaxDecodeHeight),
		Cache:        cache.NewManager(r.memoryCache, diskTier),
		Dispatcher:   r.dispatcher,
		WorkersCount: r.cfg.WorkersCount,
		FetchTimeout: r.cfg.FetchTimeout,
	})
	if err != nil {
		return fmt.Errorf("couldn't prepare engine: %w", err)
	}

	// Web Server
	r.server = web.NewServer(r.cfg, r.engine)

	return nil
}

func (r *Rpix) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	r.stopDispatcher = cancel

	go func() {
		defer close(done)

		var group errgroup.Group
		for name, s := range map[string]func() error{
			"web server": r.server.Start,
			"dispatcher": func() error { return r.dispatcher.Run(ctx) },
		} {
			group.Go(func() error {
				if err := s(); err != nil {
					onError()
					return fmt.Errorf("%s error: %w", name, err)
				}
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			rlog.Error(err)
		}
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (r *Rpix) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", r.server},
		{"engine", r.engine},
		{"dispatcher", shutdownFunc(r.shutdownDispatcher)},
		{"disk cache", r.diskCache},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

func (r *Rpix) shutdownDispatcher(context.Context) error {
	if r.stopDispatcher != nil {
		r.stopDispatcher()
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

type shutdownFunc func(context.Context) error

func (f shutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
