// Package loader executes image requests: it maps inputs, resolves target sizes,
// probes cache tiers, fetches and decodes data and delivers results to slots.
package loader

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/rpix/pkg/cache"
	"github.com/ShoshinNikita/rpix/rpix"
)

var errEngineStopped = errors.New("engine is stopped")

type Mapper interface {
	Map(input any) (rpix.Locator, error)
}

type FetcherResolver interface {
	Resolve(loc rpix.Locator) (rpix.Fetcher, error)
}

type Options struct {
	Mappers  Mapper
	Fetchers FetcherResolver
	Decoder  rpix.Decoder
	Cache    *cache.Manager

	// Dispatcher runs slot callbacks. If it is nil, the engine runs its own
	// [SerialDispatcher].
	Dispatcher Dispatcher

	// WorkersCount is the number of workers for disk reads, fetching and decoding.
	// runtime.NumCPU() is used by default.
	WorkersCount int
	// FetchTimeout limits a single fetch with decoding. 0 means no timeout.
	FetchTimeout time.Duration
}

type Engine struct {
	mappers      Mapper
	fetchers     FetcherResolver
	decoder      rpix.Decoder
	cache        *cache.Manager
	dispatcher   Dispatcher
	fetchTimeout time.Duration

	pool    *workerPool
	flights singleflight.Group

	// baseCtx is cancelled on shutdown. All jobs are derived from it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	stopMu  sync.RWMutex
	stopped bool
	jobsWg  sync.WaitGroup

	coordinatorsMu sync.Mutex
	coordinators   map[rpix.Slot]*Coordinator

	dispatcherDoneCh chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Mappers == nil {
		return nil, errors.New("mappers must be set")
	}
	if opts.Fetchers == nil {
		return nil, errors.New("fetchers must be set")
	}
	if opts.Decoder == nil {
		return nil, errors.New("decoder must be set")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache must be set")
	}
	if opts.WorkersCount <= 0 {
		opts.WorkersCount = runtime.NumCPU()
	}
	if opts.FetchTimeout < 0 {
		return nil, errors.New("fetch timeout can't be negative")
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())

	e := &Engine{
		mappers:      opts.Mappers,
		fetchers:     opts.Fetchers,
		decoder:      opts.Decoder,
		cache:        opts.Cache,
		dispatcher:   opts.Dispatcher,
		fetchTimeout: opts.FetchTimeout,
		//
		pool: newWorkerPool(opts.WorkersCount),
		//
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		//
		coordinators: make(map[rpix.Slot]*Coordinator),
	}

	if e.dispatcher == nil {
		d := NewSerialDispatcher()
		e.dispatcher = d
		e.dispatcherDoneCh = make(chan struct{})

		go func() {
			defer close(e.dispatcherDoneCh)
			_ = d.Run(baseCtx)
		}()
	}

	return e, nil
}

// Coordinator returns the coordinator of the slot, creating it on first use.
// Slots are used as map keys, so they must be comparable: usually pointers.
func (e *Engine) Coordinator(slot rpix.Slot) *Coordinator {
	e.coordinatorsMu.Lock()
	defer e.coordinatorsMu.Unlock()

	c, ok := e.coordinators[slot]
	if !ok {
		c = newCoordinator(e, slot)
		e.coordinators[slot] = c
	}
	return c
}

// Forget cancels the current job of the slot and drops its coordinator. It should
// be called when the slot is disposed.
func (e *Engine) Forget(slot rpix.Slot) {
	e.coordinatorsMu.Lock()
	c, ok := e.coordinators[slot]
	delete(e.coordinators, slot)
	e.coordinatorsMu.Unlock()

	if ok {
		c.OnDetach()
		c.Clear()
	}
}

// Enqueue issues the request for the slot and returns immediately. The result
// is delivered to the slot on the dispatcher. If the slot reports that it is
// not attached, the job is cancelled right away and restarted on attach.
func (e *Engine) Enqueue(slot rpix.Slot, req rpix.Request) *Job {
	c := e.Coordinator(slot)
	job := c.Issue(req)

	if r, ok := slot.(rpix.AttachReporter); ok && !r.IsAttached() {
		c.OnDetach()
	}
	return job
}

// Execute runs the request and waits for the result. The slot is optional: if
// it is nil, the request size is used as is. The slot is not coordinated, so
// Execute doesn't cancel its jobs.
func (e *Engine) Execute(ctx context.Context, slot rpix.Slot, req rpix.Request) (rpix.Drawable, rpix.DataSource, error) {
	if !e.acquire() {
		return nil, 0, errEngineStopped
	}
	defer e.jobsWg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(e.baseCtx, cancel)
	defer stop()

	x := &execution{
		engine: e,
		req:    req,
		slot:   slot,
		guard:  unguarded,
	}
	return x.execute(ctx)
}

func (e *Engine) startJob(job *Job, slot rpix.Slot, guard slotGuard) {
	if !e.acquire() {
		job.finish(nil, 0, errEngineStopped)
		return
	}

	x := &execution{
		engine: e,
		req:    job.req,
		slot:   slot,
		guard:  guard,
	}
	go func() {
		defer e.jobsWg.Done()

		d, source, err := x.execute(job.ctx)
		job.finish(d, source, err)
	}()
}

// acquire registers a new execution. It returns false if the engine is stopped.
func (e *Engine) acquire() bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()

	if e.stopped {
		return false
	}
	e.jobsWg.Add(1)
	return true
}

// ClearMemory drops all bitmaps from the memory tiers.
func (e *Engine) ClearMemory(ctx context.Context) error {
	return e.cache.ClearMemory(ctx)
}

type flusher interface {
	Flush() error
}

// Flush flushes the cache tiers that buffer writes.
func (e *Engine) Flush() error {
	var errs []error
	for _, tier := range e.cache.Tiers() {
		if f, ok := tier.(flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type Stats struct {
	MemoryCacheSize int64 `json:"memory_cache_size"`
	DiskCacheSize   int64 `json:"disk_cache_size"`
	Slots           int   `json:"slots"`
}

func (e *Engine) Stats() Stats {
	var stats Stats
	for _, tier := range e.cache.Tiers() {
		switch tier.Source() {
		case rpix.SourceMemory:
			stats.MemoryCacheSize += tier.Size()
		case rpix.SourceDisk:
			stats.DiskCacheSize += tier.Size()
		}
	}

	e.coordinatorsMu.Lock()
	stats.Slots = len(e.coordinators)
	e.coordinatorsMu.Unlock()

	return stats
}

// Shutdown cancels all jobs and waits for them to finish with respect of the
// passed context. The engine can't be used after Shutdown.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return nil
	}
	e.stopped = true
	e.stopMu.Unlock()

	e.cancelBase()

	jobsDoneCh := make(chan struct{})
	go func() {
		e.jobsWg.Wait()
		close(jobsDoneCh)
	}()
	select {
	case <-jobsDoneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.pool.Shutdown(ctx); err != nil {
		return err
	}

	if e.dispatcherDoneCh != nil {
		select {
		case <-e.dispatcherDoneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// IsCancelled reports whether err means that a request was cancelled. Cancelled
// requests are not failures.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
