// Package store holds the single most recent frame shared between the ingest
// and broadcast paths. It is the only state touched by more than one
// goroutine.
package store

import (
	"context"
	"sync"

	"strzcam.com/videorelay/frame"
)

// Store is a single-slot frame cell with a monotonic sequence number. The
// sequence is incremented on every successful Write and Clear, so a viewer
// can tell a fresh frame (or the transition to "no signal") apart from the
// value it already sent.
type Store struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current *frame.Frame
	seq     uint64
}

func New() *Store {
	s := &Store{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write replaces the held frame and wakes all waiters. The lock is held only
// for the pointer swap; callers decode before writing.
func (s *Store) Write(f *frame.Frame) {
	s.mu.Lock()
	s.current = f
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Read returns the current frame (nil when empty) and its sequence number.
func (s *Store) Read() (*frame.Frame, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.seq
}

// Clear empties the slot, but only when the held frame was written by owner.
// A producer that disconnects must not blank a frame a newer producer has
// already written. Returns whether the slot was cleared.
func (s *Store) Clear(owner uint64) bool {
	s.mu.Lock()
	if s.current == nil || s.current.Owner != owner {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
	return true
}

// Connected reports whether the slot currently holds a frame.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// WaitChange blocks until the sequence number moves past lastSeq or ctx is
// done, then returns the current frame and sequence. A caller that passes the
// sequence it last served will not be handed the same value twice.
func (s *Store) WaitChange(ctx context.Context, lastSeq uint64) (*frame.Frame, uint64) {
	// The broadcast must happen under the lock: a waiter holds it between
	// its ctx check and cond.Wait, and a broadcast landing inside that
	// window would wake nobody.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.seq == lastSeq && ctx.Err() == nil {
		s.cond.Wait()
	}
	return s.current, s.seq
}
