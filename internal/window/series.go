package window

import (
	"sort"
	"time"
)

// Event is a timestamped value in a Series.
type Event[T any] struct {
	At    time.Time
	Value T
}

// Series is a time-ordered sequence of events bounded to a maximum length.
// When full, the oldest event is dropped. The zero Series is unbounded.
// A Series is not safe for concurrent use; it is meant to live inside a
// Store value and be guarded by the Store's key lock.
type Series[T any] struct {
	events []Event[T]
	max    int
}

// NewSeries creates a Series holding at most max events.
func NewSeries[T any](max int) Series[T] {
	return Series[T]{max: max}
}

// Append inserts an event, keeping the sequence ordered by time. When the
// series is full the oldest event is evicted and returned.
func (s *Series[T]) Append(at time.Time, v T) (evicted Event[T], ok bool) {
	e := Event[T]{At: at, Value: v}
	n := len(s.events)
	if n == 0 || !at.Before(s.events[n-1].At) {
		s.events = append(s.events, e)
	} else {
		i := sort.Search(n, func(i int) bool { return s.events[i].At.After(at) })
		s.events = append(s.events, Event[T]{})
		copy(s.events[i+1:], s.events[i:])
		s.events[i] = e
	}

	if s.max > 0 && len(s.events) > s.max {
		evicted, ok = s.events[0], true
		s.drop(len(s.events) - s.max)
	}
	return evicted, ok
}

// PruneBefore removes events strictly before cutoff and returns the count.
func (s *Series[T]) PruneBefore(cutoff time.Time) int {
	i := s.firstAtOrAfter(cutoff)
	s.drop(i)
	return i
}

// PruneBeforeFunc is PruneBefore but calls fn on each removed event first.
func (s *Series[T]) PruneBeforeFunc(cutoff time.Time, fn func(Event[T])) int {
	i := s.firstAtOrAfter(cutoff)
	for _, e := range s.events[:i] {
		fn(e)
	}
	s.drop(i)
	return i
}

// Since returns the events at or after cutoff. The returned slice aliases
// the series and is only valid until the next mutation.
func (s *Series[T]) Since(cutoff time.Time) []Event[T] {
	return s.events[s.firstAtOrAfter(cutoff):]
}

// Between returns the events in [from, to]. Same aliasing rules as Since.
func (s *Series[T]) Between(from, to time.Time) []Event[T] {
	lo := s.firstAtOrAfter(from)
	hi := sort.Search(len(s.events), func(i int) bool { return s.events[i].At.After(to) })
	if hi < lo {
		return nil
	}
	return s.events[lo:hi]
}

// Events returns a copy of all events, oldest first.
func (s *Series[T]) Events() []Event[T] {
	out := make([]Event[T], len(s.events))
	copy(out, s.events)
	return out
}

// Last returns the newest event.
func (s *Series[T]) Last() (Event[T], bool) {
	if len(s.events) == 0 {
		return Event[T]{}, false
	}
	return s.events[len(s.events)-1], true
}

// Len returns the number of events.
func (s *Series[T]) Len() int {
	return len(s.events)
}

func (s *Series[T]) firstAtOrAfter(cutoff time.Time) int {
	return sort.Search(len(s.events), func(i int) bool { return !s.events[i].At.Before(cutoff) })
}

// drop removes the n oldest events. The backing array is reallocated once
// the dead prefix outgrows the live part so memory stays proportional to
// the live window.
func (s *Series[T]) drop(n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.events) {
		s.events = s.events[:0:0]
		return
	}
	s.events = s.events[n:]
	if cap(s.events) > 2*len(s.events)+16 {
		compact := make([]Event[T], len(s.events))
		copy(compact, s.events)
		s.events = compact
	}
}
