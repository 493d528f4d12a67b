package backoff

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Next(t *testing.T) {
	t.Run("exponential growth", func(t *testing.T) {
		b := New(100*time.Millisecond, 1*time.Second, 2.0)

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			1 * time.Second,
			1 * time.Second,
		}
		for i, want := range expected {
			if got := b.Next(); got != want {
				t.Errorf("Next() #%d: expected %v, got %v", i, want, got)
			}
		}
		if b.Attempts() != len(expected) {
			t.Errorf("Expected %d attempts, got %d", len(expected), b.Attempts())
		}
	})

	t.Run("multiplier below one is clamped", func(t *testing.T) {
		b := New(50*time.Millisecond, time.Second, 0.5)
		b.Next()
		if b.CurrentDelay() != 50*time.Millisecond {
			t.Errorf("Expected delay to stay at 50ms, got %v", b.CurrentDelay())
		}
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		b := New(100*time.Millisecond, 100*time.Millisecond, 1.0).WithJitter(0.2)
		for i := 0; i < 100; i++ {
			d := b.Next()
			if d < 80*time.Millisecond || d > 120*time.Millisecond {
				t.Fatalf("Expected jittered delay within [80ms,120ms], got %v", d)
			}
		}
	})
}

func TestBackoff_Wait(t *testing.T) {
	t.Run("waits current delay", func(t *testing.T) {
		b := New(50*time.Millisecond, time.Second, 2.0)

		start := time.Now()
		if err := b.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		elapsed := time.Since(start)

		if elapsed < 45*time.Millisecond {
			t.Errorf("Expected wait around 50ms, got %v", elapsed)
		}
		if b.CurrentDelay() != 100*time.Millisecond {
			t.Errorf("Expected delay 100ms after first wait, got %v", b.CurrentDelay())
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		b := New(5*time.Second, 10*time.Second, 2.0)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := b.Wait(ctx)
		elapsed := time.Since(start)

		if err != context.Canceled {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
		if elapsed > time.Second {
			t.Errorf("Expected Wait to return promptly after cancel, took %v", elapsed)
		}
	})
}

func TestBackoff_Reset(t *testing.T) {
	b := New(10*time.Millisecond, time.Second, 3.0)
	b.Next()
	b.Next()

	b.Reset()

	if b.CurrentDelay() != 10*time.Millisecond {
		t.Errorf("Expected delay reset to 10ms, got %v", b.CurrentDelay())
	}
	if b.Attempts() != 0 {
		t.Errorf("Expected attempts reset to 0, got %d", b.Attempts())
	}
}
