// Package ordering keeps the display order of root lanes stable across
// rebuilds.
//
// A Tracker remembers an ordinal per lane id. Lanes seen for the first time
// are placed in front of everything already on screen, ranked among
// themselves by interestingness. Lanes that were already placed never move
// until Resort is called.
package ordering

import (
	"sort"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/timberline-dev/timberline/internal/lanes"
	"github.com/timberline-dev/timberline/internal/scoring"
	"github.com/timberline-dev/timberline/internal/types"
)

// Options configures a Tracker.
type Options struct {
	Scorer *scoring.Scorer
	// Clock supplies "now" for the recency part of the score.
	Clock  clock.PassiveClock
	Logger *zap.Logger
}

// Tracker is not safe for concurrent use. It is owned by a single view,
// which serializes access.
type Tracker struct {
	scorer *scoring.Scorer
	clock  clock.PassiveClock
	logger *zap.Logger

	ordinals map[types.LaneID]int
	// front is the smallest ordinal handed out so far.
	front int
}

// New creates an empty Tracker.
func New(opts Options) *Tracker {
	if opts.Scorer == nil {
		opts.Scorer = scoring.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		scorer:   opts.Scorer,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("ordering"),
		ordinals: make(map[types.LaneID]int),
	}
}

type ranked struct {
	lane  *lanes.Lane
	score int
}

// rank sorts ls by descending score, then by id.
func (t *Tracker) rank(ls []*lanes.Lane) []*lanes.Lane {
	now := t.clock.Now()
	rs := make([]ranked, len(ls))
	for i, l := range ls {
		rs[i] = ranked{lane: l, score: t.scorer.Score(l, now)}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].lane.ID < rs[j].lane.ID
	})
	out := make([]*lanes.Lane, len(rs))
	for i, r := range rs {
		out[i] = r.lane
	}
	return out
}

// Observe records the roots of forest and returns them in display order.
// Roots without an ordinal are placed before all known roots.
func (t *Tracker) Observe(forest []*lanes.Lane) []*lanes.Lane {
	var fresh []*lanes.Lane
	for _, l := range forest {
		if _, ok := t.ordinals[l.ID]; !ok {
			fresh = append(fresh, l)
		}
	}

	if len(fresh) > 0 {
		fresh = t.rank(fresh)
		start := t.front - len(fresh)
		if len(t.ordinals) == 0 {
			start = 0
		}
		for i, l := range fresh {
			t.ordinals[l.ID] = start + i
		}
		t.front = min(t.front, start)
		t.logger.Debug("Placed new lanes", zap.Int("count", len(fresh)), zap.Int("front", t.front))
	}

	return t.ordered(forest)
}

// Resort discards every ordinal and ranks the roots of forest purely by
// score.
func (t *Tracker) Resort(forest []*lanes.Lane) []*lanes.Lane {
	t.ordinals = make(map[types.LaneID]int, len(forest))
	t.front = 0
	for i, l := range t.rank(forest) {
		t.ordinals[l.ID] = i
	}
	t.logger.Debug("Resorted lanes", zap.Int("count", len(forest)))
	return t.ordered(forest)
}

// Ordinal returns the ordinal assigned to id.
func (t *Tracker) Ordinal(id types.LaneID) (int, bool) {
	o, ok := t.ordinals[id]
	return o, ok
}

// Len returns the number of lanes with an ordinal, including lanes that have
// since disappeared from the forest.
func (t *Tracker) Len() int {
	return len(t.ordinals)
}

func (t *Tracker) ordered(forest []*lanes.Lane) []*lanes.Lane {
	out := append([]*lanes.Lane(nil), forest...)
	sort.SliceStable(out, func(i, j int) bool {
		return t.ordinals[out[i].ID] < t.ordinals[out[j].ID]
	})
	return out
}
