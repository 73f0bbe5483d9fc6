package server

import (
	"fmt"

	"github.com/timberline-dev/timberline/internal/apiclient"
	"github.com/timberline-dev/timberline/internal/lanes"
	"github.com/timberline-dev/timberline/internal/noise"
	"github.com/timberline-dev/timberline/internal/types"
)

// Preset is a named event filter.
type Preset string

const (
	// PresetDefault hides routine events.
	PresetDefault Preset = "default"
	// PresetAll keeps everything.
	PresetAll Preset = "all"
	// PresetWarnings keeps problematic events and unhealthy or degraded changes.
	PresetWarnings Preset = "warnings"
	// PresetWorkloads keeps events attached to workload kinds.
	PresetWorkloads Preset = "workloads"
)

// ParsePreset maps a query value to a Preset. Empty means PresetDefault.
func ParsePreset(s string) (Preset, error) {
	switch p := Preset(s); p {
	case "":
		return PresetDefault, nil
	case PresetDefault, PresetAll, PresetWarnings, PresetWorkloads:
		return p, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Match reports whether e passes the preset.
func (p Preset) Match(e types.Event, c *noise.Classifier) bool {
	switch p {
	case PresetAll:
		return true
	case PresetWarnings:
		if lanes.IsProblematic(e) {
			return true
		}
		h := e.Health()
		return h == types.HealthUnhealthy || h == types.HealthDegraded
	case PresetWorkloads:
		ref, err := types.ParseLaneID(string(e.AttachedLaneID()))
		return err == nil && types.IsWorkloadKind(ref.Kind)
	default:
		return !c.IsRoutine(e)
	}
}

// GroupBy is a stream grouping mode.
type GroupBy string

const (
	GroupByNone      GroupBy = "none"
	GroupByNamespace GroupBy = "namespace"
	GroupByApp       GroupBy = "app"
	GroupByLabel     GroupBy = "label"
)

// Label keys consulted by the app and label modes.
const (
	labelAppName = "app.kubernetes.io/name"
	labelApp     = "app"
	labelPartOf  = "app.kubernetes.io/part-of"
)

// clusterScopedGroup holds cluster-scoped lanes in namespace mode.
const clusterScopedGroup = "(cluster)"

// ParseGroupBy maps a query value to a GroupBy. Empty means GroupByNone.
func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case "":
		return GroupByNone, nil
	case GroupByNone, GroupByNamespace, GroupByApp, GroupByLabel:
		return g, nil
	default:
		return "", fmt.Errorf("unknown group_by %q", s)
	}
}

// key returns the group of a lane, or "" when it belongs to none.
func (g GroupBy) key(st *laneState) string {
	switch g {
	case GroupByNamespace:
		if st.namespace == "" {
			return clusterScopedGroup
		}
		return st.namespace
	case GroupByApp:
		if v := st.labels[labelAppName]; v != "" {
			return v
		}
		return st.labels[labelApp]
	case GroupByLabel:
		return st.labels[labelPartOf]
	default:
		return ""
	}
}

// scope is the selection shared by the list and stream endpoints.
type scope struct {
	namespace string
	preset    Preset
}

func (s scope) match(e types.Event, c *noise.Classifier) bool {
	if s.namespace != "" && e.Resource.Namespace != s.namespace {
		return false
	}
	return s.preset.Match(e, c)
}

// listFilter applies the remaining event query fields.
func listFilter(q apiclient.EventQuery, e types.Event) bool {
	if q.Kind != "" {
		ref, err := types.ParseLaneID(string(e.AttachedLaneID()))
		if err != nil || ref.Kind != q.Kind {
			return false
		}
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.IncludeK8sEvents && e.Native != nil {
		return false
	}
	if !q.IncludeManaged && isManagedChurn(e) {
		return false
	}
	return true
}

// isManagedChurn reports whether e is an uneventful update of an object
// that another controller owns.
func isManagedChurn(e types.Event) bool {
	if e.Owner == nil || e.Operation() != types.OperationUpdate || lanes.IsProblematic(e) {
		return false
	}
	h := e.Health()
	return h != types.HealthUnhealthy && h != types.HealthDegraded
}
