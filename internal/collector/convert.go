package collector

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/wI2L/jsondiff"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/timberline-dev/timberline/internal/types"
)

const (
	// maxDiffFields bounds the field list kept per update.
	maxDiffFields = 20
	// maxSummaryFields is how many paths the summary names.
	maxSummaryFields = 3
)

// diffIgnored are JSON pointers excluded from update diffs.
var diffIgnored = []string{
	"/metadata/managedFields",
	"/metadata/resourceVersion",
}

// changeID identifies one observed revision of an object.
func changeID(obj metav1.Object, op types.Operation) string {
	if op == types.OperationDelete {
		return string(obj.GetUID()) + ":deleted"
	}
	return string(obj.GetUID()) + ":" + obj.GetResourceVersion()
}

func controllerOwner(obj metav1.Object) *types.OwnerRef {
	ref := metav1.GetControllerOf(obj)
	if ref == nil {
		return nil
	}
	return &types.OwnerRef{Kind: ref.Kind, Name: ref.Name}
}

func refOf(kind string, obj metav1.Object) types.ResourceRef {
	return types.ResourceRef{Kind: kind, Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

// changeEvent converts a watched object into a change event. Initial-list
// objects become historical events stamped with their creation time.
func changeEvent(kind string, obj metav1.Object, op types.Operation, now time.Time, initial bool) types.Event {
	var e types.Event
	if initial {
		ts := obj.GetCreationTimestamp().Time
		if ts.IsZero() {
			ts = now
		}
		e = types.NewHistoricalEvent(changeID(obj, op), ts, refOf(kind, obj), op, controllerOwner(obj))
	} else {
		e = types.NewChangeEvent(changeID(obj, op), now, refOf(kind, obj), op, controllerOwner(obj))
	}

	if labels := obj.GetLabels(); len(labels) > 0 {
		e.Change.Labels = lo.Assign(labels)
	}
	if op != types.OperationDelete {
		e.Change.Health, e.Reason = deriveHealth(obj)
	}
	return e
}

// computeDiff returns the field-level difference between two revisions, or
// nil when nothing outside the ignored fields changed.
func computeDiff(oldObj, newObj interface{}) (*types.Diff, error) {
	patch, err := jsondiff.Compare(oldObj, newObj, jsondiff.Ignores(diffIgnored...))
	if err != nil {
		return nil, fmt.Errorf("compare revisions: %w", err)
	}
	if len(patch) == 0 {
		return nil, nil
	}

	d := &types.Diff{}
	for _, op := range patch {
		if len(d.Fields) == maxDiffFields {
			break
		}
		d.Fields = append(d.Fields, types.FieldChange{Op: op.Type, Path: op.Path})
	}
	d.Summary = summarize(lo.Uniq(lo.Map(patch, func(op jsondiff.Operation, _ int) string {
		return dotted(op.Path)
	})))
	return d, nil
}

// dotted renders a JSON pointer as a dotted path, dropping array indexes.
func dotted(ptr string) string {
	var parts []string
	for _, p := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if p == "" || p == "-" || isIndex(p) {
			continue
		}
		p = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

func isIndex(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func summarize(paths []string) string {
	if len(paths) <= maxSummaryFields {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(paths[:maxSummaryFields], ", "), len(paths)-maxSummaryFields)
}

// nativeEvent converts a core Event. The involved object becomes the owner
// so the event lands in that object's lane.
func nativeEvent(ev *corev1.Event) types.Event {
	count := ev.Count
	if count < 1 {
		count = 1
	}

	et := types.EventTypeNormal
	if ev.Type == corev1.EventTypeWarning {
		et = types.EventTypeWarning
	}

	var owner *types.OwnerRef
	if ev.InvolvedObject.Kind != "" && ev.InvolvedObject.Name != "" {
		// Events about cluster-scoped objects are recorded in a namespace
		// of their own choosing.
		owner = &types.OwnerRef{
			Kind:      ev.InvolvedObject.Kind,
			Name:      ev.InvolvedObject.Name,
			Namespace: ptr.To(ev.InvolvedObject.Namespace),
		}
	}

	e := types.NewNativeEvent(
		fmt.Sprintf("%s:%d", ev.UID, count),
		nativeTimestamp(ev),
		refOf("Event", ev),
		et,
		ev.Reason,
		ev.Message,
		owner,
	)
	e.Native.Count = count
	return e
}

func nativeTimestamp(ev *corev1.Event) time.Time {
	switch {
	case !ev.LastTimestamp.IsZero():
		return ev.LastTimestamp.Time
	case !ev.EventTime.IsZero():
		return ev.EventTime.Time
	case !ev.FirstTimestamp.IsZero():
		return ev.FirstTimestamp.Time
	default:
		return ev.CreationTimestamp.Time
	}
}
