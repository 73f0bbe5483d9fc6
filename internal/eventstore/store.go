package eventstore

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/timberline-dev/timberline/internal/types"
)

// ChangeEvent describes a mutation of the store.
type ChangeEvent struct {
	Type    string // "ingest", "replace" or "evict"
	Added   int
	Evicted int
}

// OnChangeFunc is called after every mutation that changed the contents.
type OnChangeFunc func(event ChangeEvent)

// Options configures a Store.
type Options struct {
	// Window is how far back events are retained. Zero keeps everything.
	Window time.Duration

	// Clock is used to compute the eviction cutoff. Defaults to the real clock.
	Clock clock.PassiveClock

	// OnChange is optional.
	OnChange OnChangeFunc
}

// Store is the deduplicated, time-windowed event log of one view.
type Store struct {
	clock    clock.PassiveClock
	onChange OnChangeFunc

	mu     sync.RWMutex
	window time.Duration
	events []types.Event // sorted by Timestamp, receipt order within ties
	byID   map[string]struct{}
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Store{
		clock:    opts.Clock,
		onChange: opts.OnChange,
		window:   opts.Window,
		byID:     make(map[string]struct{}),
	}
}

// SetWindow changes the retention window. The new window applies on the next
// ingest.
func (s *Store) SetWindow(window time.Duration) {
	s.mu.Lock()
	s.window = window
	s.mu.Unlock()
}

// Ingest stores every event whose ID is not yet known and returns the newly
// added events in the order they were given.
func (s *Store) Ingest(events []types.Event) []types.Event {
	s.mu.Lock()
	cutoff, bounded := s.cutoffLocked()
	evicted := 0
	if bounded {
		evicted = s.evictLocked(cutoff)
	}

	var added []types.Event
	for _, e := range events {
		if _, seen := s.byID[e.ID]; seen {
			continue
		}
		if bounded && e.Timestamp.Before(cutoff) {
			continue
		}
		s.byID[e.ID] = struct{}{}
		s.insertLocked(e)
		added = append(added, e)
	}
	s.mu.Unlock()

	if s.onChange != nil {
		if evicted > 0 {
			s.onChange(ChangeEvent{Type: "evict", Evicted: evicted})
		}
		if len(added) > 0 {
			s.onChange(ChangeEvent{Type: "ingest", Added: len(added)})
		}
	}
	return added
}

// Replace discards the current contents and stores events. Duplicate IDs
// within events keep the first occurrence.
func (s *Store) Replace(events []types.Event) {
	s.mu.Lock()
	s.events = nil
	s.byID = make(map[string]struct{}, len(events))
	cutoff, bounded := s.cutoffLocked()
	for _, e := range events {
		if _, seen := s.byID[e.ID]; seen {
			continue
		}
		if bounded && e.Timestamp.Before(cutoff) {
			continue
		}
		s.byID[e.ID] = struct{}{}
		s.insertLocked(e)
	}
	added := len(s.events)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(ChangeEvent{Type: "replace", Added: added})
	}
}

// Contains reports whether an event with id is stored.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Snapshot returns a copy of all stored events in chronological order.
func (s *Store) Snapshot() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) cutoffLocked() (time.Time, bool) {
	if s.window <= 0 {
		return time.Time{}, false
	}
	return s.clock.Now().Add(-s.window), true
}

// evictLocked drops events older than cutoff. Events are sorted, so the
// evicted set is always a prefix.
func (s *Store) evictLocked(cutoff time.Time) int {
	n := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(cutoff)
	})
	if n == 0 {
		return 0
	}
	for _, e := range s.events[:n] {
		delete(s.byID, e.ID)
	}
	s.events = append([]types.Event(nil), s.events[n:]...)
	return n
}

// insertLocked places e after every event with a timestamp not after its own.
func (s *Store) insertLocked(e types.Event) {
	n := len(s.events)
	if n == 0 || !e.Timestamp.Before(s.events[n-1].Timestamp) {
		s.events = append(s.events, e)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return s.events[i].Timestamp.After(e.Timestamp)
	})
	s.events = append(s.events, types.Event{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = e
}
