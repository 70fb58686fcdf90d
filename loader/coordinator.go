package loader

import (
	"context"
	"sync"

	"github.com/ShoshinNikita/rpix/rpix"
)

// Job is a single execution of a request.
type Job struct {
	req rpix.Request

	ctx    context.Context
	cancel context.CancelFunc

	done   chan struct{}
	result rpix.Drawable
	source rpix.DataSource
	err    error
}

func newJob(parent context.Context, req rpix.Request) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (j *Job) Request() rpix.Request {
	return j.req
}

// Cancel stops the job. A cancelled job never touches the slot again.
func (j *Job) Cancel() {
	j.cancel()
}

// Done is closed when the job is finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the outcome of a finished job. It must be called after [Job.Done]
// is closed.
func (j *Job) Result() (rpix.Drawable, rpix.DataSource, error) {
	return j.result, j.source, j.err
}

// Wait waits for the job to finish and returns its result.
func (j *Job) Wait(ctx context.Context) (rpix.Drawable, rpix.DataSource, error) {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (j *Job) finish(d rpix.Drawable, source rpix.DataSource, err error) {
	j.result, j.source, j.err = d, source, err
	close(j.done)
	j.cancel()
}

// Coordinator owns the current request of a slot. There is at most one active
// job per slot: issuing a new request cancels the previous job.
//
// Slot callbacks are called while the coordinator lock is held, so they must not
// call the coordinator synchronously.
type Coordinator struct {
	engine *Engine
	slot   rpix.Slot

	mu  sync.Mutex
	req *rpix.Request
	job *Job
	// skipAttach is set when a job is issued and reset on detach: the first attach
	// after issuing must not start the request again.
	skipAttach bool
}

func newCoordinator(engine *Engine, slot rpix.Slot) *Coordinator {
	return &Coordinator{
		engine: engine,
		slot:   slot,
	}
}

// Issue cancels the current job and starts a new one for the request.
func (c *Coordinator) Issue(req rpix.Request) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.issueLocked(req)
}

func (c *Coordinator) issueLocked(req rpix.Request) *Job {
	if c.job != nil {
		c.job.Cancel()
	}

	job := newJob(c.engine.baseCtx, req)
	c.req = &req
	c.job = job
	c.skipAttach = true

	c.engine.startJob(job, c.slot, c.guard(job))

	return job
}

// OnDetach cancels the current job. The request is kept, so it is restarted on
// the next attach.
func (c *Coordinator) OnDetach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job != nil {
		c.job.Cancel()
	}
	c.skipAttach = false
}

// OnAttach restarts the current request. The first attach after [Coordinator.Issue]
// is ignored.
func (c *Coordinator) OnAttach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.skipAttach {
		c.skipAttach = false
		return
	}
	if c.req == nil {
		return
	}
	c.issueLocked(*c.req)
}

// Clear forgets the current request and job. The job is not cancelled.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.req = nil
	c.job = nil
}

// Current returns the current request and its job.
func (c *Coordinator) Current() (rpix.Request, *Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.req == nil {
		return rpix.Request{}, nil, false
	}
	return *c.req, c.job, true
}

func (c *Coordinator) guard(job *Job) slotGuard {
	return func(fn func()) {
		c.mu.Lock()
		defer c.mu.Unlock()

		// Superseded and detached jobs are cancelled under the lock.
		if job.ctx.Err() != nil {
			return
		}
		fn()
	}
}

// slotGuard calls fn if the execution still owns the slot.
type slotGuard func(fn func())

func unguarded(fn func()) {
	fn()
}
