package runbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("runbox: pool closed")

type job struct {
	ctx  context.Context
	inst *Instance
	fn   func(ctx context.Context) error
	done chan error
}

// Pool is a fixed set of worker threads shared by all instances. Work runs
// inside the instance it was submitted for; the threads are reused across
// instance lifetimes, which is why destroying an instance quarantines them.
type Pool struct {
	threads []*Thread
	jobs    chan job

	mu     sync.RWMutex
	closed bool

	g errgroup.Group
}

// NewPool starts size workers named name-0 .. name-(size-1).
func NewPool(name string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		threads: make([]*Thread, size),
		jobs:    make(chan job),
	}
	for n := 0; n < size; n++ {
		t := NewThread(fmt.Sprintf("%s-%d", name, n))
		p.threads[n] = t
		p.g.Go(func() error {
			return p.work(t)
		})
	}
	return p
}

// work serves jobs on t until the pool closes. A panicking job fails with
// an error and the worker keeps serving; the first panic is reported by Close.
func (p *Pool) work(t *Thread) error {
	var firstPanic error
	for j := range p.jobs {
		err := runJob(t, j)
		var pe *jobPanicError
		if errors.As(err, &pe) && firstPanic == nil {
			firstPanic = err
		}
		j.done <- err
	}
	return firstPanic
}

type jobPanicError struct {
	thread string
	value  any
}

func (e *jobPanicError) Error() string {
	return fmt.Sprintf("pool worker %s: job panicked: %v", e.thread, e.value)
}

func runJob(t *Thread, j job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &jobPanicError{thread: t.String(), value: p}
		}
	}()
	return j.inst.Run(j.ctx, t, j.fn)
}

// Threads returns the worker threads.
func (p *Pool) Threads() []*Thread {
	return append([]*Thread(nil), p.threads...)
}

// Submit queues fn to run inside inst on the next free worker. The returned
// channel receives fn's result.
func (p *Pool) Submit(ctx context.Context, inst *Instance, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	if ctx == nil {
		ctx = context.Background()
	}
	if inst == nil || fn == nil {
		done <- fmt.Errorf("submit to pool: instance and func are required")
		return done
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		done <- ErrPoolClosed
		return done
	}
	select {
	case p.jobs <- job{ctx: ctx, inst: inst, fn: fn, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	}
	return done
}

// Close stops accepting work and waits for the workers to finish. It returns
// the first job panic any worker recovered from.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	return p.g.Wait()
}
