package lanes

import (
	"time"

	"github.com/timberline-dev/timberline/internal/types"
)

// Lane is the per-resource aggregate of events plus its child lanes.
type Lane struct {
	ID       types.LaneID
	Resource types.ResourceRef

	// Events attached to this exact resource, oldest first.
	Events []types.Event

	// Children are ordered by kind priority, then most recent activity.
	Children []*Lane

	IsWorkload bool
}

func newLane(ref types.ResourceRef) *Lane {
	return &Lane{
		ID:         ref.LaneID(),
		Resource:   ref,
		IsWorkload: types.IsWorkloadKind(ref.Kind),
	}
}

// IsPlaceholder reports whether the lane exists only because other lanes
// reference it.
func (l *Lane) IsPlaceholder() bool {
	return len(l.Events) == 0
}

// LatestTimestamp returns the timestamp of the newest event on this lane, or
// the zero time for placeholders.
func (l *Lane) LatestTimestamp() time.Time {
	var latest time.Time
	for _, e := range l.Events {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	return latest
}

// Health returns the health reported by the newest change that carried one.
func (l *Lane) Health() types.HealthState {
	for i := len(l.Events) - 1; i >= 0; i-- {
		if h := l.Events[i].Health(); h != "" {
			return h
		}
	}
	return types.HealthUnknown
}

// AllEvents returns the events of the lane and all its descendants.
func (l *Lane) AllEvents() []types.Event {
	var out []types.Event
	Walk([]*Lane{l}, func(n *Lane, _ int) bool {
		out = append(out, n.Events...)
		return true
	})
	return out
}

// Walk visits the forest depth-first in display order. depth is 0 for roots.
// Returning false from fn skips the lane's children.
func Walk(forest []*Lane, fn func(l *Lane, depth int) bool) {
	var visit func(ls []*Lane, depth int)
	visit = func(ls []*Lane, depth int) {
		for _, l := range ls {
			if fn(l, depth) {
				visit(l.Children, depth+1)
			}
		}
	}
	visit(forest, 0)
}

// Find returns the lane with id anywhere in the forest.
func Find(forest []*Lane, id types.LaneID) *Lane {
	var found *Lane
	Walk(forest, func(l *Lane, _ int) bool {
		if found != nil {
			return false
		}
		if l.ID == id {
			found = l
			return false
		}
		return true
	})
	return found
}

// Count returns the number of lanes in the forest.
func Count(forest []*Lane) int {
	n := 0
	Walk(forest, func(*Lane, int) bool {
		n++
		return true
	})
	return n
}
