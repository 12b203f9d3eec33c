package relayserver

import (
	"sync"
	"sync/atomic"
)

type subscription struct {
	ch chan []byte
}

// Spectators fans snapshot frames out to read-only observers. Publishing
// never blocks; a subscriber that is not keeping up loses frames.
type Spectators struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}

	dropped atomic.Int64
}

func NewSpectators() *Spectators {
	return &Spectators{subs: make(map[*subscription]struct{})}
}

// Subscribe returns the frame channel and a func that unsubscribes and
// closes it.
func (s *Spectators) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan []byte, buffer)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	once := sync.Once{}
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish offers frame to every subscriber. frame must not be modified
// afterwards.
func (s *Spectators) Publish(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		select {
		case sub.ch <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Spectators) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}

// Dropped counts frames lost to slow subscribers.
func (s *Spectators) Dropped() int64 {
	return s.dropped.Load()
}
