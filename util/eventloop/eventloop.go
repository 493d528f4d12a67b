// Package eventloop runs jobs one at a time on a single goroutine.
//
// A Node owns exactly one Loop. Every piece of node state (bindings, replicas,
// connections) is touched only from jobs running on that loop, so none of it
// needs locking. Other goroutines (connection readers, timers, application
// code) hand work to the loop with Post, which never blocks, or Call, which
// waits for the job to finish.
//
// Usage Pattern:
//
//	loop := eventloop.New("node-1")
//	loop.Start()
//	defer loop.Stop()
//
//	loop.Post(func() { state.counter++ })
//	err := loop.Call(ctx, func() { v = state.counter })
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Call after the loop was stopped.
var ErrStopped = errors.New("eventloop: stopped")

// Job is a unit of work executed on the loop goroutine.
type Job func()

// Loop executes posted jobs serially in FIFO order.
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []Job
	stopped bool
	signal  chan struct{}
	done    chan struct{}
	started atomic.Bool

	goid atomic.Uint64
}

// New creates a loop. The name only shows up in panics and debugging.
func New(name string) *Loop {
	return &Loop{
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the name given to New.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	l.goid.Store(currentGoroutineID())

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.mu.Unlock()
			<-l.signal
			l.mu.Lock()
		}
		if len(l.queue) == 0 && l.stopped {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, job := range batch {
			job()
		}
	}
}

// Post enqueues job and returns immediately. It reports false if the loop
// has been stopped and the job was dropped.
func (l *Loop) Post(job Job) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
// It must not be called from a job running on the same loop; in that case fn
// runs inline to avoid deadlocking.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l.InLoop() {
		fn()
		return nil
	}

	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The loop drains its queue before exiting, so fn has run.
		<-finished
		return nil
	}
}

// InLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) InLoop() bool {
	id := l.goid.Load()
	return id != 0 && id == currentGoroutineID()
}

// Len returns the number of queued jobs (for testing)
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stop refuses new jobs, runs the ones already queued and waits for the loop
// goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}

	if l.started.Load() && !l.InLoop() {
		<-l.done
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
