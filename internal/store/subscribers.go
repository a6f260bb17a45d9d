package store

import "sync"

// subscribers fans a snapshot out to registered callbacks. Callbacks are run
// by the caller after its own locks are released.
type subscribers[T any] struct {
	mu     sync.Mutex
	fns    map[int]func(T)
	nextID int
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers[T]) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns) == 0
}

func (s *subscribers[T]) publish(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
