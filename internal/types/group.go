package types

import (
	"sort"
	"time"
)

// GroupSummary is the precomputed aggregate of one group of lanes as shown
// by grouped views (per namespace, per app, ...).
type GroupSummary struct {
	ID          string
	Health      HealthState
	EventCount  int
	LastEventAt time.Time
	LaneIDs     []LaneID
}

// Merge folds e into the summary. LaneIDs stays sorted and unique.
func (g *GroupSummary) Merge(e Event) {
	g.EventCount++
	if e.Timestamp.After(g.LastEventAt) {
		g.LastEventAt = e.Timestamp
	}
	id := e.AttachedLaneID()
	i := sort.Search(len(g.LaneIDs), func(i int) bool { return g.LaneIDs[i] >= id })
	if i < len(g.LaneIDs) && g.LaneIDs[i] == id {
		return
	}
	g.LaneIDs = append(g.LaneIDs, "")
	copy(g.LaneIDs[i+1:], g.LaneIDs[i:])
	g.LaneIDs[i] = id
}

// Clone returns a deep copy.
func (g GroupSummary) Clone() GroupSummary {
	g.LaneIDs = append([]LaneID(nil), g.LaneIDs...)
	return g
}
