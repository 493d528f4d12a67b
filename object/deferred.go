package object

import "sync"

// Deferred is a method result that becomes available later. Exactly the first
// Resolve or Reject wins.
type Deferred struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

func (d *Deferred) Resolve(value any) bool {
	return d.complete(value, nil)
}

func (d *Deferred) Reject(err error) bool {
	return d.complete(nil, err)
}

func (d *Deferred) complete(value any, err error) bool {
	won := false
	d.once.Do(func() {
		d.value, d.err = value, err
		close(d.done)
		won = true
	})
	return won
}

// Done is closed once the result is available.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (d *Deferred) Result() (any, error) {
	return d.value, d.err
}
