package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		numWorkers int
		want       int
	}{
		{"positive number", 5, 5},
		{"zero defaults to 1", 0, 1},
		{"negative defaults to 1", -5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wp := New(context.Background(), tt.numWorkers)
			if wp.numWorkers != tt.want {
				t.Fatalf("New(%d).numWorkers = %d, want %d", tt.numWorkers, wp.numWorkers, tt.want)
			}
			wp.Stop()
		})
	}
}

func TestWorkerPool_BasicExecution(t *testing.T) {
	wp := New(context.Background(), 3)
	wp.Start()
	defer wp.Stop()

	var counter int32
	task := func(ctx context.Context) error {
		atomic.AddInt32(&counter, 1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-wp.Submit(task)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&counter) != 10 {
		t.Fatalf("Expected 10 tasks to execute, got %d", atomic.LoadInt32(&counter))
	}
}

func TestWorkerPool_ErrorHandling(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	defer wp.Stop()

	expectedErr := errors.New("test error")
	resultChan := wp.Submit(func(ctx context.Context) error {
		return expectedErr
	})

	select {
	case err := <-resultChan:
		if !errors.Is(err, expectedErr) {
			t.Fatalf("Expected error %v, got %v", expectedErr, err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for result")
	}
}

func TestWorkerPool_SubmitAndWait(t *testing.T) {
	wp := New(context.Background(), 5)
	wp.Start()
	defer wp.Stop()

	tasks := make([]Task, 20)
	for i := 0; i < 20; i++ {
		idx := i
		tasks[i] = func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			if idx%2 == 1 {
				return errors.New("odd")
			}
			return nil
		}
	}

	results := wp.SubmitAndWait(context.Background(), tasks)

	if len(results) != 20 {
		t.Fatalf("Expected 20 results, got %d", len(results))
	}
	for i, result := range results {
		if (i%2 == 1) != (result.Err != nil) {
			t.Fatalf("Result %d: unexpected error state %v", i, result.Err)
		}
	}
}

func TestWorkerPool_SubmitNeverBlocks(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	defer wp.Stop()

	block := make(chan struct{})
	wp.Submit(func(ctx context.Context) error {
		<-block
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			wp.Submit(func(ctx context.Context) error { return nil })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the only worker was busy")
	}
	close(block)
}

// TestWorkerPool_StopDrains tests that tasks accepted before Stop still run
func TestWorkerPool_StopDrains(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()

	var counter int32
	for i := 0; i < 50; i++ {
		wp.Submit(func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, 1)
			return nil
		})
	}
	wp.Stop()

	if atomic.LoadInt32(&counter) != 50 {
		t.Fatalf("Expected 50 tasks to run before Stop returned, got %d", counter)
	}

	err := <-wp.Submit(func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Expected ErrStopped after Stop, got %v", err)
	}

	// Stop is idempotent
	wp.Stop()
}

func TestWorkerPool_StopNow(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()

	started := make(chan struct{})
	first := wp.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	second := wp.Submit(func(ctx context.Context) error { return nil })

	<-started
	wp.StopNow()

	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected running task to see context.Canceled, got %v", err)
	}
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected queued task to be cancelled, got %v", err)
	}
}
