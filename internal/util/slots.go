package util

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Slots holds at most one pending timer per key. Setting a key cancels the
// timer already stored for it, so a reschedule always supersedes the older
// firing. A timer that fires after being replaced or cancelled is dropped:
// every slot carries a generation token that the callback must still match.
// All methods are safe for concurrent use.
type Slots[K comparable] struct {
	clk clock.Clock

	mu    sync.Mutex
	gen   uint64
	slots map[K]slot
}

type slot struct {
	timer *clock.Timer
	gen   uint64
	at    time.Time
}

// NewSlots creates an empty timer set driven by clk. A nil clk uses the
// wall clock.
func NewSlots[K comparable](clk clock.Clock) *Slots[K] {
	if clk == nil {
		clk = clock.New()
	}
	return &Slots[K]{clk: clk, slots: make(map[K]slot)}
}

// Set schedules fn to run after d for key, replacing any pending timer.
func (s *Slots[K]) Set(key K, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.slots[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.slots[key]
		if !ok || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.slots, key)
		s.mu.Unlock()
		fn()
	})
	s.slots[key] = slot{timer: t, gen: gen, at: s.clk.Now().Add(d)}
}

// Cancel stops the pending timer for key. Reports whether one was pending.
func (s *Slots[K]) Cancel(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.slots[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.slots, key)
	return true
}

// CancelAll stops every pending timer and returns how many were pending.
func (s *Slots[K]) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.slots)
	for k, cur := range s.slots {
		cur.timer.Stop()
		delete(s.slots, k)
	}
	return n
}

// Pending reports whether key has a timer scheduled.
func (s *Slots[K]) Pending(key K) bool {
	s.mu.Lock()
	_, ok := s.slots[key]
	s.mu.Unlock()
	return ok
}

// Deadline returns when the pending timer for key fires.
func (s *Slots[K]) Deadline(key K) (time.Time, bool) {
	s.mu.Lock()
	cur, ok := s.slots[key]
	s.mu.Unlock()
	return cur.at, ok
}

// Len returns the number of pending timers.
func (s *Slots[K]) Len() int {
	s.mu.Lock()
	n := len(s.slots)
	s.mu.Unlock()
	return n
}
