package workerpool

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is delivered to tasks submitted after Stop.
var ErrStopped = errors.New("workerpool: stopped")

// Task represents a unit of work to be executed by the worker pool
type Task func(ctx context.Context) error

// Result represents the result of a task execution
type Result struct {
	Err error
}

// WorkerPool is a fixed-size pool of goroutines that execute tasks off the
// caller's goroutine. Nodes use it for blocking side work (persistence
// saves) that must not stall the event loop.
//
// Unlike a cancel-on-stop pool, Stop runs every task that was accepted
// before it returns, so property saves queued by Release are not lost on
// shutdown. StopNow cancels the context handed to tasks instead.
type WorkerPool struct {
	numWorkers int
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []taskWrapper
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// taskWrapper wraps a task with its result channel
type taskWrapper struct {
	task   Task
	result chan error
}

// New creates a new worker pool with the specified number of workers
// The provided context will be used as the base context for the pool
func New(ctx context.Context, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	wp := &WorkerPool{
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
	wp.cond = sync.NewCond(&wp.mu)
	return wp
}

// Start initializes and starts all worker goroutines
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker is the main loop for each worker goroutine
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		wp.mu.Lock()
		for len(wp.queue) == 0 && !wp.stopped {
			wp.cond.Wait()
		}
		if len(wp.queue) == 0 {
			wp.mu.Unlock()
			return
		}
		tw := wp.queue[0]
		wp.queue[0] = taskWrapper{}
		wp.queue = wp.queue[1:]
		wp.mu.Unlock()

		if err := wp.ctx.Err(); err != nil {
			tw.result <- err
			continue
		}
		tw.result <- tw.task(wp.ctx)
	}
}

// Submit adds a task to the worker pool for execution and never blocks.
// Returns a channel that will receive the result.
// If the pool has been stopped, the result channel will contain ErrStopped.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)

	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		result <- ErrStopped
		return result
	}
	wp.queue = append(wp.queue, taskWrapper{task: task, result: result})
	wp.mu.Unlock()
	wp.cond.Signal()

	return result
}

// SubmitAndWait submits multiple tasks and waits for all to complete
// Returns a slice of results in submission order
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	chans := make([]<-chan error, len(tasks))
	for i, task := range tasks {
		chans[i] = wp.Submit(task)
	}

	results := make([]Result, len(tasks))
	for i, ch := range chans {
		select {
		case err := <-ch:
			results[i] = Result{Err: err}
		case <-ctx.Done():
			results[i] = Result{Err: ctx.Err()}
		}
	}
	return results
}

// Pending returns the number of tasks waiting for a worker
func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

// Stop refuses new tasks, runs every queued task and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		wp.mu.Unlock()
		wp.cond.Broadcast()
		wp.wg.Wait()
		wp.cancel()
	})
}

// StopNow cancels the task context; queued tasks complete with the context error
func (wp *WorkerPool) StopNow() {
	wp.cancel()
	wp.Stop()
}
