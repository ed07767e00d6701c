package state

import "sync"

// Store is the single writer for State. Dispatch applies actions under one
// lock and replaces the whole state, so interleaved callers never observe a
// partial write.
type Store struct {
	mu       sync.Mutex
	state    State
	nextSub  int
	watchers map[int]func(State)
}

// NewStore returns a store holding initial.
func NewStore(initial State) *Store {
	return &Store{
		state:    initial.Clone(),
		watchers: make(map[int]func(State)),
	}
}

// Dispatch applies actions in order and notifies subscribers once with the result.
func (s *Store) Dispatch(actions ...Action) State {
	s.mu.Lock()
	next := s.state
	for _, action := range actions {
		next = Apply(next, action)
	}
	s.state = next
	// Notify under the lock so subscribers see states in dispatch order.
	for _, fn := range s.watchers {
		fn(next.Clone())
	}
	s.mu.Unlock()
	return next.Clone()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn for every dispatched state. fn must not block and must
// not call Dispatch. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}
