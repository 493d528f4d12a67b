package testutil

import (
	"testing"
	"time"
)

// WaitFor polls a condition function until it returns true or times out.
// It's useful for waiting on asynchronous operations in tests, such as a
// replica becoming Valid after its source node comes up.
// The condition is checked every 20ms.
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "replica to become valid", func() bool {
//	    return replica.State() == node.Valid
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	const tickerInterval = 20 * time.Millisecond
	if timeout < tickerInterval {
		timeout = tickerInterval
	}

	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	checkCount := 1
	for range ticker.C {
		checkCount++
		if condition() {
			t.Logf("Condition met after %v (%d attempts): %s", time.Since(start).Round(time.Millisecond), checkCount, message)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v, %d attempts)", message, timeout, checkCount)
		}
	}
}

// Never asserts that condition stays false for the whole duration.
func Never(t testing.TB, duration time.Duration, message string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("Unexpected condition: %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
