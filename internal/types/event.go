package types

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies where an Event was produced.
type Source string

const (
	// SourceInformer marks resource changes observed by a watch.
	SourceInformer Source = "informer"
	// SourceK8sEvent marks core/v1 Event objects.
	SourceK8sEvent Source = "k8s_event"
	// SourceHistorical marks changes reconstructed from stored history.
	SourceHistorical Source = "historical"
)

// Operation is the kind of change a ChangeDetail describes.
type Operation string

const (
	OperationAdd    Operation = "add"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationAdd, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// EventType mirrors the core/v1 Event type field.
type EventType string

const (
	EventTypeNormal  EventType = "Normal"
	EventTypeWarning EventType = "Warning"
)

// HealthState is the derived health of a resource at the time of a change.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// Rank orders health states from best (0) to worst. Empty and unknown rank
// between healthy and degraded.
func (h HealthState) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 2
	case HealthUnhealthy:
		return 3
	default:
		return 1
	}
}

// ParseHealthState maps a wire string onto a HealthState. Unrecognized
// values become HealthUnknown.
func ParseHealthState(s string) HealthState {
	switch h := HealthState(s); h {
	case HealthHealthy, HealthDegraded, HealthUnhealthy:
		return h
	default:
		return HealthUnknown
	}
}

// FieldChange is a single changed path in an update.
type FieldChange struct {
	Op   string `json:"op"`
	Path string `json:"path"`
}

// Diff summarizes what changed between two versions of an object.
type Diff struct {
	Fields  []FieldChange `json:"fields,omitempty"`
	Summary string        `json:"summary,omitempty"`
}

// ChangeDetail is the payload of informer and historical events.
type ChangeDetail struct {
	Operation Operation
	Diff      *Diff
	Health    HealthState
	Labels    map[string]string
}

// NativeDetail is the payload of k8s_event events.
type NativeDetail struct {
	EventType EventType
	Count     int32
}

// Event is an immutable timeline entry. Exactly one of Change or Native is
// set, selected by Source.
type Event struct {
	ID        string
	Timestamp time.Time
	Source    Source
	Resource  ResourceRef
	Owner     *OwnerRef
	Reason    string
	Message   string

	Change *ChangeDetail
	Native *NativeDetail
}

// Event construction errors.
var (
	ErrMissingID      = errors.New("event has no id")
	ErrUnknownSource  = errors.New("event has an unknown source")
	ErrVariantPayload = errors.New("event payload does not match its source")
)

// NewChangeEvent builds an informer-sourced event.
func NewChangeEvent(id string, ts time.Time, res ResourceRef, op Operation, owner *OwnerRef) Event {
	return Event{
		ID:        id,
		Timestamp: ts,
		Source:    SourceInformer,
		Resource:  res,
		Owner:     owner,
		Change:    &ChangeDetail{Operation: op},
	}
}

// NewHistoricalEvent builds a change event reconstructed from history.
func NewHistoricalEvent(id string, ts time.Time, res ResourceRef, op Operation, owner *OwnerRef) Event {
	e := NewChangeEvent(id, ts, res, op, owner)
	e.Source = SourceHistorical
	return e
}

// NewNativeEvent builds a k8s_event event. The involved object becomes the owner.
func NewNativeEvent(id string, ts time.Time, res ResourceRef, et EventType, reason, message string, owner *OwnerRef) Event {
	return Event{
		ID:        id,
		Timestamp: ts,
		Source:    SourceK8sEvent,
		Resource:  res,
		Owner:     owner,
		Reason:    reason,
		Message:   message,
		Native:    &NativeDetail{EventType: et, Count: 1},
	}
}

// Validate checks the invariants every ingested event must satisfy.
func (e Event) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if !e.Resource.Valid() {
		return fmt.Errorf("%w: event %s references %q", ErrMalformedID, e.ID, e.Resource.LaneID())
	}
	switch e.Source {
	case SourceInformer, SourceHistorical:
		if e.Change == nil || e.Native != nil || !e.Change.Operation.Valid() {
			return fmt.Errorf("%w: event %s", ErrVariantPayload, e.ID)
		}
	case SourceK8sEvent:
		if e.Native == nil || e.Change != nil {
			return fmt.Errorf("%w: event %s", ErrVariantPayload, e.ID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, e.Source)
	}
	return nil
}

// LaneID returns the lane identifier of the resource the event describes.
func (e Event) LaneID() LaneID {
	return e.Resource.LaneID()
}

// Operation returns the change operation, or "" for native events.
func (e Event) Operation() Operation {
	if e.Change == nil {
		return ""
	}
	return e.Change.Operation
}

// Health returns the health carried by a change, or "" when absent.
func (e Event) Health() HealthState {
	if e.Change == nil {
		return ""
	}
	return e.Change.Health
}

// IsWarning reports whether the event is a native Warning.
func (e Event) IsWarning() bool {
	return e.Native != nil && e.Native.EventType == EventTypeWarning
}

// IsNativeObject reports whether the event describes a core/v1 Event object.
func (e Event) IsNativeObject() bool {
	return e.Resource.Kind == "Event"
}

// OwnerLaneID resolves the owner's lane, in the event's namespace unless the
// owner pins one. The second
// return value is false when the event has no owner or the owner identifier
// is malformed.
func (e Event) OwnerLaneID() (LaneID, bool) {
	if e.Owner == nil {
		return "", false
	}
	ref := e.Owner.In(e.Resource.Namespace)
	if !ref.Valid() {
		return "", false
	}
	return ref.LaneID(), true
}

// AttachedLaneID is the lane the event is displayed in: the owner's lane for
// native Event objects with a usable owner, otherwise the event's own lane.
func (e Event) AttachedLaneID() LaneID {
	if e.IsNativeObject() {
		if owner, ok := e.OwnerLaneID(); ok {
			return owner
		}
	}
	return e.LaneID()
}
