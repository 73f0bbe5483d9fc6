package lanes

import (
	"sort"

	"github.com/timberline-dev/timberline/internal/types"
)

// ProblemReasons are event reasons that mark a change as problematic even
// when the event type is Normal.
var ProblemReasons = map[string]bool{
	"CrashLoopBackOff":         true,
	"OOMKilled":                true,
	"FailedScheduling":         true,
	"BackOff":                  true,
	"ImagePullBackOff":         true,
	"ErrImagePull":             true,
	"FailedMount":              true,
	"FailedCreate":             true,
	"Unhealthy":                true,
	"Evicted":                  true,
	"NodeNotReady":             true,
	"FailedAttachVolume":       true,
	"ProgressDeadlineExceeded": true,
}

// IsProblematic reports whether e is a Warning or carries a problem reason.
func IsProblematic(e types.Event) bool {
	return e.IsWarning() || ProblemReasons[e.Reason]
}

// severityRank orders events that share a timestamp: problematic, delete,
// add, update, then everything else.
func severityRank(e types.Event) int {
	if IsProblematic(e) {
		return 0
	}
	switch e.Operation() {
	case types.OperationDelete:
		return 1
	case types.OperationAdd:
		return 2
	case types.OperationUpdate:
		return 3
	default:
		return 4
	}
}

// DisplayEvents returns the lane's events newest first. Events with equal
// timestamps are ordered by severity. The lane itself is not modified.
func DisplayEvents(l *Lane) []types.Event {
	out := append([]types.Event(nil), l.Events...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		ri, rj := severityRank(out[i]), severityRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
