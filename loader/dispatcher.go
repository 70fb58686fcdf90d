package loader

import (
	"context"
	"sync"
)

// Dispatcher runs slot callbacks. Implementations must run functions one by one
// in the order they were dispatched. Dispatch must not block.
type Dispatcher interface {
	Dispatch(fn func())
}

// SerialDispatcher is a [Dispatcher] with an unbounded queue. Functions are run
// by [SerialDispatcher.Run].
type SerialDispatcher struct {
	mu    sync.Mutex
	queue []func()

	notifyCh chan struct{}
}

var _ Dispatcher = (*SerialDispatcher)(nil)

func NewSerialDispatcher() *SerialDispatcher {
	return &SerialDispatcher{
		notifyCh: make(chan struct{}, 1),
	}
}

func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Run runs dispatched functions until the context is cancelled. Functions left
// in the queue are not run.
func (d *SerialDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.notifyCh:
		}

		for {
			fn, ok := d.pop()
			if !ok {
				break
			}
			fn()

			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (d *SerialDispatcher) pop() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil, false
	}

	fn := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return fn, true
}

// Len returns the number of functions waiting to be run.
func (d *SerialDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.queue)
}
