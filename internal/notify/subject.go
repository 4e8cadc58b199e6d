// Package notify provides synchronous in-process broadcast streams.
package notify

import "sync"

// Subject is an observer registry. Publish delivers synchronously to all
// observers in subscription order. A replaying subject remembers the last
// published value and hands it to new observers on Subscribe.
type Subject[T any] struct {
	mu        sync.Mutex
	observers []observer[T]
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// NewSubject creates a subject; replay makes it state-holding
func NewSubject[T any](replay bool) *Subject[T] {
	return &Subject[T]{replay: replay}
}

// Subscribe registers fn and returns a function removing it again.
// Calling the returned function more than once is a no-op.
func (s *Subject[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observer[T]{id: id, fn: fn})
	last, replay := s.last, s.replay && s.hasLast
	s.mu.Unlock()

	if replay {
		fn(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

// Publish records v (for replaying subjects) and delivers it to every observer.
// Observers run outside the lock so they may subscribe or publish themselves.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	if s.replay {
		s.last = v
		s.hasLast = true
	}
	snapshot := make([]observer[T], len(s.observers))
	copy(snapshot, s.observers)
	s.mu.Unlock()

	for _, o := range snapshot {
		o.fn(v)
	}
}

// Value returns the last published value of a replaying subject
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Len returns the number of observers
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}
