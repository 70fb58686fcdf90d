package loader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/rpix/pkg/metrics"
	"github.com/ShoshinNikita/rpix/pkg/rlog"
	"github.com/ShoshinNikita/rpix/rpix"
)

// execution is a single run of the pipeline:
//
//	placeholder -> mapping -> size -> memory -> disk -> fetch -> decode -> cache -> delivery
type execution struct {
	engine *Engine
	req    rpix.Request
	// slot is nil for executions without a consumer.
	slot  rpix.Slot
	guard slotGuard
}

type loadResult struct {
	drawable rpix.Drawable
	source   rpix.DataSource
}

func (x *execution) execute(ctx context.Context) (d rpix.Drawable, source rpix.DataSource, err error) {
	now := time.Now()
	defer func() {
		dur := time.Since(now)

		var result string
		switch {
		case err == nil:
			rlog.Debugf("%s was loaded from %s in %s", x.req, source, dur)

			result = "fetched"
			if source == rpix.SourceMemory || source == rpix.SourceDisk {
				result = source.String()
			}
		case IsCancelled(err):
			rlog.Debugf("%s was cancelled", x.req)
			result = "cancelled"
		default:
			rlog.Errorf("couldn't load %s: %s", x.req, err)
			result = "failed"
		}

		metrics.LoadResults.With(prometheus.Labels{"result": result}).Inc()
		metrics.LoadDuration.Observe(dur.Seconds())
	}()

	res, err := x.run(ctx)
	if err != nil {
		return nil, 0, err
	}
	return res.drawable, res.source, nil
}

func (x *execution) run(ctx context.Context) (loadResult, error) {
	e := x.engine

	if x.slot != nil {
		placeholder := x.req.Placeholder()
		x.post(func() {
			x.slot.SetPlaceholder(placeholder)
		})
	}

	loc, err := e.mappers.Map(x.req.Input())
	if err != nil {
		return loadResult{}, err
	}
	fetcher, err := e.fetchers.Resolve(loc)
	if err != nil {
		return loadResult{}, err
	}

	size, err := x.resolveSize(ctx)
	if err != nil {
		return loadResult{}, err
	}

	key := cacheKey(fetcher, loc, size)

	res, err := x.loadCached(ctx, fetcher, loc, key, size)
	if err != nil {
		return loadResult{}, err
	}

	if x.slot != nil {
		var delivered bool
		err := x.onSlot(ctx, func() {
			x.slot.Deliver(res.drawable)
			delivered = true
		})
		if err != nil {
			return loadResult{}, err
		}
		if !delivered {
			// The execution was superseded.
			return loadResult{}, context.Canceled
		}
	}
	return res, nil
}

// cacheKey returns the key of the result. Results of different target sizes are
// cached separately.
func cacheKey(fetcher rpix.Fetcher, loc rpix.Locator, size rpix.Size) string {
	key := fetcher.Key(loc)
	if key == "" || !size.IsDefined() {
		return key
	}
	return key + "-" + strconv.Itoa(size.Width) + "," + strconv.Itoa(size.Height)
}

// resolveSize returns the request size. If it is undefined, the slot size is used:
// the measured one or the one reported by the first measurement.
func (x *execution) resolveSize(ctx context.Context) (rpix.Size, error) {
	if size := x.req.Size(); size.IsDefined() || x.slot == nil {
		return size, nil
	}

	var (
		sizeCh = make(chan rpix.Size, 1)

		mu       sync.Mutex
		stop     func()
		finished bool
	)
	defer func() {
		mu.Lock()
		finished = true
		stopFn := stop
		mu.Unlock()

		if stopFn != nil {
			x.engine.dispatcher.Dispatch(stopFn)
		}
	}()

	err := x.onSlot(ctx, func() {
		if size := x.slot.MeasuredSize(); size.IsDefined() {
			sizeCh <- size
			return
		}

		stopFn := x.slot.OnMeasured(func(size rpix.Size) {
			select {
			case sizeCh <- size:
			default:
			}
		})

		mu.Lock()
		defer mu.Unlock()

		if finished {
			stopFn()
			return
		}
		stop = stopFn
	})
	if err != nil {
		return rpix.Size{}, err
	}

	select {
	case size := <-sizeCh:
		return size, nil
	case <-ctx.Done():
		return rpix.Size{}, ctx.Err()
	}
}

// loadCached probes the memory tier and falls back to [execution.load].
func (x *execution) loadCached(ctx context.Context, fetcher rpix.Fetcher, loc rpix.Locator, key string, size rpix.Size) (loadResult, error) {
	if key != "" {
		b, err := x.engine.cache.GetFrom(ctx, rpix.SourceMemory, key)
		if err == nil {
			return loadResult{drawable: b, source: rpix.SourceMemory}, nil
		}
		if ctx.Err() != nil {
			return loadResult{}, ctx.Err()
		}
	}
	return x.load(ctx, fetcher, loc, key, size)
}

// load runs the slow part of the pipeline on the worker pool. Executions with
// the same key and cache flags share a single load.
func (x *execution) load(ctx context.Context, fetcher rpix.Fetcher, loc rpix.Locator, key string, size rpix.Size) (loadResult, error) {
	e := x.engine

	if key == "" {
		return runOnPool(ctx, e.pool, func() (loadResult, error) {
			return x.fetch(ctx, fetcher, loc, key, size)
		})
	}

	flightKey := fmt.Sprintf("%s|read=%t|write=%t", key, x.req.CacheReadEnabled(), x.req.CacheWriteEnabled())
	resCh := e.flights.DoChan(flightKey, func() (any, error) {
		// The load is shared, so it must not depend on the context of a single execution.
		return runOnPool(e.baseCtx, e.pool, func() (loadResult, error) {
			return x.fetch(e.baseCtx, fetcher, loc, key, size)
		})
	})

	select {
	case res := <-resCh:
		return flightResult(res)
	case <-ctx.Done():
		return loadResult{}, ctx.Err()
	}
}

func flightResult(res singleflight.Result) (loadResult, error) {
	if res.Err != nil {
		return loadResult{}, res.Err
	}
	return res.Val.(loadResult), nil
}

// fetch probes the disk tier, fetches and decodes the data and saves the result.
func (x *execution) fetch(ctx context.Context, fetcher rpix.Fetcher, loc rpix.Locator, key string, size rpix.Size) (loadResult, error) {
	e := x.engine

	if key != "" && x.req.CacheReadEnabled() {
		b, err := e.cache.GetFrom(ctx, rpix.SourceDisk, key)
		if err == nil {
			if x.req.CacheWriteEnabled() {
				if err := e.cache.Backfill(ctx, key, b, rpix.SourceDisk); err != nil {
					rlog.Warnf("couldn't promote %q: %s", key, err)
				}
			}
			return loadResult{drawable: b, source: rpix.SourceDisk}, nil
		}
		if ctx.Err() != nil {
			return loadResult{}, ctx.Err()
		}
	}

	fetchCtx := ctx
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}

	fetched, err := fetcher.Fetch(fetchCtx, loc, size)
	if err != nil {
		return loadResult{}, fmt.Errorf("%s fetcher failed: %w", fetcher.Name(), err)
	}

	var res loadResult
	switch fetched := fetched.(type) {
	case rpix.SourceResult:
		d, err := e.decoder.Decode(fetchCtx, fetched.Body, fetched.MimeType, size, rpix.DecodeOptions{
			CacheRead:  x.req.CacheReadEnabled(),
			CacheWrite: x.req.CacheWriteEnabled(),
		})
		fetched.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return loadResult{}, ctx.Err()
			}
			return loadResult{}, fmt.Errorf("couldn't decode %s: %w", loc, err)
		}
		res = loadResult{drawable: d, source: fetched.Source}

	case rpix.DrawableResult:
		res = loadResult{drawable: fetched.Drawable, source: fetched.Source}

	default:
		return loadResult{}, fmt.Errorf("unexpected fetch result: %T", fetched)
	}

	if err := ctx.Err(); err != nil {
		return loadResult{}, err
	}

	if b, ok := res.drawable.(*rpix.Bitmap); ok && x.shouldSave(key, res.source) {
		if err := e.cache.Set(ctx, key, b); err != nil && !errors.Is(err, context.Canceled) {
			rlog.Warnf("couldn't save %q: %s", key, err)
		}
	}
	return res, nil
}

func (x *execution) shouldSave(key string, source rpix.DataSource) bool {
	return key != "" && x.req.CacheWriteEnabled() && source != rpix.SourceDisk
}

// post runs fn on the dispatcher without waiting.
func (x *execution) post(fn func()) {
	x.engine.dispatcher.Dispatch(func() {
		x.guard(fn)
	})
}

// onSlot runs fn on the dispatcher and waits for it. fn is skipped if the
// execution doesn't own the slot anymore.
func (x *execution) onSlot(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})
	x.engine.dispatcher.Dispatch(func() {
		defer close(doneCh)

		if ctx.Err() != nil {
			return
		}
		x.guard(fn)
	})

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
