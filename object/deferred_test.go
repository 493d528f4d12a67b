package object

import (
	"errors"
	"sync"
	"testing"
)

func TestDeferred_Resolve(t *testing.T) {
	d := NewDeferred()
	select {
	case <-d.Done():
		t.Fatal("Deferred must not be done before Resolve")
	default:
	}

	if !d.Resolve(5) {
		t.Fatal("Expected first Resolve to win")
	}
	<-d.Done()
	v, err := d.Result()
	if err != nil || v != 5 {
		t.Errorf("Expected (5, nil), got (%v, %v)", v, err)
	}
}

func TestDeferred_FirstCompletionWins(t *testing.T) {
	d := NewDeferred()
	boom := errors.New("boom")

	var wg sync.WaitGroup
	wins := make(chan bool, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); wins <- d.Resolve(1) }()
		go func() { defer wg.Done(); wins <- d.Reject(boom) }()
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("Expected exactly one winner, got %d", count)
	}

	v, err := d.Result()
	if (v == nil) == (err == nil) {
		t.Errorf("Expected either a value or an error, got (%v, %v)", v, err)
	}
}
