// Package wire defines the JSON shapes exchanged between the timberline server
// and its clients, and the conversion to and from the internal model.
//
// Decoding is the trust boundary: events and edges with malformed
// identifiers are rejected here and never reach correlation.
package wire

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/timberline-dev/timberline/internal/types"
)

// Stream message names.
const (
	MessageInitial     = "initial"
	MessageEvent       = "event"
	MessageGroupUpdate = "group_update"
	MessageHeartbeat   = "heartbeat"
)

// Event is the flattened JSON form of types.Event.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source"`
	Kind        string            `json:"kind"`
	Namespace   string            `json:"namespace,omitempty"`
	Name        string            `json:"name"`
	Owner       *types.OwnerRef   `json:"owner,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
	Operation   string            `json:"operation,omitempty"`
	HealthState string            `json:"health_state,omitempty"`
	Diff        *types.Diff       `json:"diff,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	Count       int32             `json:"count,omitempty"`
}

// Group is the JSON form of types.GroupSummary.
type Group struct {
	ID          string     `json:"id"`
	HealthState string     `json:"health_state"`
	EventCount  int        `json:"event_count"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	LaneIDs     []string   `json:"lane_ids,omitempty"`
}

// Meta describes an initial snapshot.
type Meta struct {
	Total     int    `json:"total"`
	Namespace string `json:"namespace,omitempty"`
	GroupBy   string `json:"group_by,omitempty"`
	Filter    string `json:"filter,omitempty"`
}

// Initial is the payload of the initial stream message.
type Initial struct {
	Events []Event `json:"events"`
	Groups []Group `json:"groups,omitempty"`
	Meta   Meta    `json:"meta"`
}

// EventMessage is the payload of an event stream message.
type EventMessage struct {
	Event   Event  `json:"event"`
	GroupID string `json:"group_id,omitempty"`
}

// GroupUpdate is the payload of a group_update stream message.
type GroupUpdate struct {
	GroupID     string `json:"group_id"`
	HealthState string `json:"health_state"`
}

// Heartbeat is the payload of a heartbeat stream message.
type Heartbeat struct {
	Time time.Time `json:"time"`
}

// EventList is the response of the events endpoint.
type EventList struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
}

// Topology is the response of the topology endpoint.
type Topology struct {
	Edges []types.Edge `json:"edges"`
}

var (
	// ErrMalformed wraps every decoding rejection.
	ErrMalformed = errors.New("malformed wire payload")

	// ErrNoEndpoint is returned for a missing or unusable server URL.
	ErrNoEndpoint = errors.New("no server endpoint configured")
)

// ParseEndpoint validates a server base URL.
func ParseEndpoint(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEndpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an http(s) URL", ErrNoEndpoint, raw)
	}
	return u, nil
}

// FromEvent converts an internal event to its wire form.
func FromEvent(e types.Event) Event {
	w := Event{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Source:    string(e.Source),
		Kind:      e.Resource.Kind,
		Namespace: e.Resource.Namespace,
		Name:      e.Resource.Name,
		Owner:     e.Owner,
		Reason:    e.Reason,
		Message:   e.Message,
	}
	if c := e.Change; c != nil {
		w.Operation = string(c.Operation)
		w.HealthState = string(c.Health)
		w.Diff = c.Diff
		w.Labels = c.Labels
	}
	if n := e.Native; n != nil {
		w.EventType = string(n.EventType)
		w.Count = n.Count
	}
	return w
}

// FromEvents converts a slice of events.
func FromEvents(events []types.Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = FromEvent(e)
	}
	return out
}

// ToEvent converts a wire event into the internal model, rejecting malformed
// identifiers and payloads that do not match the source.
func ToEvent(w Event) (types.Event, error) {
	res := types.ResourceRef{Kind: w.Kind, Namespace: w.Namespace, Name: w.Name}
	if _, err := types.ParseLaneID(string(res.LaneID())); err != nil {
		return types.Event{}, fmt.Errorf("%w: event %q: %v", ErrMalformed, w.ID, err)
	}

	var e types.Event
	switch src := types.Source(w.Source); src {
	case types.SourceInformer, types.SourceHistorical:
		op := types.Operation(w.Operation)
		if !op.Valid() {
			return types.Event{}, fmt.Errorf("%w: event %q has operation %q", ErrMalformed, w.ID, w.Operation)
		}
		e = types.NewChangeEvent(w.ID, w.Timestamp, res, op, w.Owner)
		e.Source = src
		e.Reason = w.Reason
		e.Message = w.Message
		e.Change.Diff = w.Diff
		e.Change.Labels = w.Labels
		if w.HealthState != "" {
			e.Change.Health = types.ParseHealthState(w.HealthState)
		}
	case types.SourceK8sEvent:
		et := types.EventTypeNormal
		if types.EventType(w.EventType) == types.EventTypeWarning {
			et = types.EventTypeWarning
		}
		e = types.NewNativeEvent(w.ID, w.Timestamp, res, et, w.Reason, w.Message, w.Owner)
		if w.Count > 0 {
			e.Native.Count = w.Count
		}
	default:
		return types.Event{}, fmt.Errorf("%w: event %q has source %q", ErrMalformed, w.ID, w.Source)
	}

	if err := e.Validate(); err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}

// ToEvents converts every well-formed event and returns the rejections
// separately so callers can log and count them.
func ToEvents(ws []Event) ([]types.Event, []error) {
	out := make([]types.Event, 0, len(ws))
	var errs []error
	for _, w := range ws {
		e, err := ToEvent(w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errs
}

// ToEdges keeps the edges whose endpoints and type are well formed.
func ToEdges(edges []types.Edge) ([]types.Edge, []error) {
	out := make([]types.Edge, 0, len(edges))
	var errs []error
	for _, e := range edges {
		if !e.Valid() || !wellFormed(e.Source) || !wellFormed(e.Target) {
			errs = append(errs, fmt.Errorf("%w: edge %s %s %s", ErrMalformed, e.Source, e.Type, e.Target))
			continue
		}
		out = append(out, e)
	}
	return out, errs
}

func wellFormed(ref types.ResourceRef) bool {
	_, err := types.ParseLaneID(string(ref.LaneID()))
	return err == nil
}

// FromGroup converts a group summary to its wire form.
func FromGroup(g types.GroupSummary) Group {
	w := Group{
		ID:          g.ID,
		HealthState: string(g.Health),
		EventCount:  g.EventCount,
	}
	if !g.LastEventAt.IsZero() {
		t := g.LastEventAt
		w.LastEventAt = &t
	}
	for _, id := range g.LaneIDs {
		w.LaneIDs = append(w.LaneIDs, string(id))
	}
	return w
}

// ToGroup converts a wire group. Lane ids that do not parse are dropped.
func ToGroup(w Group) (types.GroupSummary, error) {
	if w.ID == "" {
		return types.GroupSummary{}, fmt.Errorf("%w: group without id", ErrMalformed)
	}
	g := types.GroupSummary{
		ID:         w.ID,
		Health:     types.ParseHealthState(w.HealthState),
		EventCount: w.EventCount,
	}
	if w.LastEventAt != nil {
		g.LastEventAt = *w.LastEventAt
	}
	for _, id := range w.LaneIDs {
		if _, err := types.ParseLaneID(id); err != nil {
			continue
		}
		g.LaneIDs = append(g.LaneIDs, types.LaneID(id))
	}
	sort.Slice(g.LaneIDs, func(i, j int) bool { return g.LaneIDs[i] < g.LaneIDs[j] })
	g.LaneIDs = slices.Compact(g.LaneIDs)
	return g, nil
}
