package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errPoolStopped = errors.New("worker pool is stopped")

// workerPool runs I/O bound tasks: disk cache reads, fetching and decoding.
type workerPool struct {
	workersCount int

	tasksCh chan poolTask
	// tasksMu guards tasksCh from sending after close.
	tasksMu sync.RWMutex

	stopped       *atomic.Bool
	workersDoneCh chan struct{}
}

type poolTask struct {
	fn func()
	// drop is called instead of fn if the pool is stopped before the task is started.
	drop func()
}

func newWorkerPool(workersCount int) *workerPool {
	p := &workerPool{
		workersCount: workersCount,
		//
		tasksCh: make(chan poolTask, 1000),
		//
		stopped:       new(atomic.Bool),
		workersDoneCh: make(chan struct{}),
	}

	go p.startWorkers()

	return p
}

func (p *workerPool) startWorkers() {
	var wg sync.WaitGroup
	for range p.workersCount {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for task := range p.tasksCh {
				if p.stopped.Load() {
					task.drop()
					continue
				}
				task.fn()
			}
		}()
	}
	wg.Wait()

	close(p.workersDoneCh)
}

func (p *workerPool) submit(ctx context.Context, task poolTask) error {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()

	if p.stopped.Load() {
		return errPoolStopped
	}

	select {
	case p.tasksCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drops all tasks in the queue and waits for ones that are in progress
// with respect of the passed context.
func (p *workerPool) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	p.tasksMu.Lock()
	close(p.tasksCh)
	p.tasksMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.workersDoneCh:
		return nil
	}
}

type poolResult[T any] struct {
	value T
	err   error
}

// runOnPool runs fn on the pool and waits for the result. If ctx is cancelled,
// runOnPool returns immediately, but fn is not interrupted: it should observe
// the context itself.
func runOnPool[T any](ctx context.Context, p *workerPool, fn func() (T, error)) (T, error) {
	var zero T

	resCh := make(chan poolResult[T], 1)
	err := p.submit(ctx, poolTask{
		fn: func() {
			v, err := fn()
			resCh <- poolResult[T]{value: v, err: err}
		},
		drop: func() {
			resCh <- poolResult[T]{err: errPoolStopped}
		},
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-resCh:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
