package workerpool

import (
	"context"
	"testing"
)

func BenchmarkWorkerPool(b *testing.B) {
	b.Run("100_tasks", func(b *testing.B) {
		benchmarkWorkerPool(b, 100)
	})

	b.Run("1000_tasks", func(b *testing.B) {
		benchmarkWorkerPool(b, 1000)
	})
}

func benchmarkWorkerPool(b *testing.B, numTasks int) {
	pool := New(context.Background(), 8)
	pool.Start()
	defer pool.Stop()

	tasks := make([]Task, numTasks)
	for j := range tasks {
		tasks[j] = func(ctx context.Context) error { return nil }
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.SubmitAndWait(context.Background(), tasks)
	}
}
