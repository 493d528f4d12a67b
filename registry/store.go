package registry

import (
	"context"
	"sync"
)

// EventType tells whether an entry was written or removed.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "DELETE"
	}
	return "PUT"
}

// Event is one change to a store. Delete events carry the removed entry when
// the store knows it, otherwise only its name.
type Event struct {
	Type  EventType
	Entry Entry
}

// Store keeps registry entries. A registry host applies the events of its
// store to the published Registry source, so several hosts sharing one store
// publish the same directory.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Entry, error)
	// Watch delivers every change made after it returns until ctx is done,
	// then closes the channel.
	Watch(ctx context.Context) (<-chan Event, error)
	Close() error
}

// MemoryStore is a Store for a single registry host.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	watchers map[*memoryWatcher]struct{}
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]Entry),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

func (s *MemoryStore) Put(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.Name]; ok && prev == e {
		return nil
	}
	s.entries[e.Name] = e
	s.notifyLocked(Event{Type: EventPut, Entry: e})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[name]
	if !ok {
		return nil
	}
	delete(s.entries, name)
	s.notifyLocked(Event{Type: EventDelete, Entry: prev})
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sorted(s.entries), nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	w := &memoryWatcher{
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(w.out)
		return w.out, nil
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		w.pump(ctx)
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()
	return w.out, nil
}

// Close ends every watch.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for w := range s.watchers {
		w.close()
	}
	return nil
}

func (s *MemoryStore) notifyLocked(ev Event) {
	for w := range s.watchers {
		w.push(ev)
	}
}

// memoryWatcher buffers events so a slow reader never blocks writers.
type memoryWatcher struct {
	mu      sync.Mutex
	pending []Event
	done    bool
	signal  chan struct{}
	out     chan Event
}

func (w *memoryWatcher) push(ev Event) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()
	w.wake()
}

func (w *memoryWatcher) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.wake()
}

func (w *memoryWatcher) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) pump(ctx context.Context) {
	defer close(w.out)
	for {
		w.mu.Lock()
		batch, done := w.pending, w.done
		w.pending = nil
		w.mu.Unlock()

		for _, ev := range batch {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if done {
			return
		}

		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}
