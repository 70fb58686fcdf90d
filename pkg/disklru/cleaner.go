package disklru

import (
	"context"
	"sync"
)

// cleaner runs trim and compaction passes on a single background goroutine, so at
// most one pass is active at a time. Requests made while a pass is queued are merged.
type cleaner struct {
	cleanupFn func()

	triggerCh              chan struct{}
	stopCh                 chan struct{}
	stopOnce               sync.Once
	cleanupProcessFinished chan struct{}
}

func newCleaner(cleanupFn func()) *cleaner {
	c := &cleaner{
		cleanupFn: cleanupFn,
		//
		triggerCh:              make(chan struct{}, 1),
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}

	go c.startCleanupProcess()

	return c
}

func (c *cleaner) startCleanupProcess() {
	defer close(c.cleanupProcessFinished)

	for {
		select {
		case <-c.triggerCh:
			c.cleanupFn()
		case <-c.stopCh:
			return
		}
	}
}

// schedule never blocks.
func (c *cleaner) schedule() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Shutdown stops the cleanup process. A pass that is already running is not interrupted.
func (c *cleaner) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}
