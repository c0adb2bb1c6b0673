// Package pubsub provides a small multi-subscriber broadcast stream. A slow
// subscriber never back-pressures the publisher: each subscription holds only
// the most recent undelivered value, older ones are overwritten. A new
// subscriber immediately observes the current value, if one exists, but no
// further history.
package pubsub

import "sync"

// Stream broadcasts values of type T to any number of subscribers.
type Stream[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	current T
	primed  bool
}

// NewStream returns an empty stream with no current value.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// Publish records v as the current value and fans it out. Subscribers that
// have not drained their previous value only see v.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = v
	s.primed = true
	for _, ch := range s.subs {
		send(ch, v)
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. Cancel is idempotent and closes the channel.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan T, 1)
	s.subs[id] = ch
	if s.primed {
		ch <- s.current
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Current returns the latest published value, if any.
func (s *Stream[T]) Current() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.primed
}

// send delivers v without blocking, conflating with any undelivered value.
// Called with s.mu held, so it never races an unsubscribe close.
func send[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
