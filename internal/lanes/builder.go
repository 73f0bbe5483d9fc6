package lanes

import (
	"sort"

	"github.com/samber/lo"

	"github.com/timberline-dev/timberline/internal/types"
)

// Origins of a parent link.
const (
	OriginOwnerReference = "owner-reference"
	OriginTopology       = "topology"
)

// relation is a child -> parent link. It only lives for one Build call.
type relation struct {
	parent types.LaneID
	origin string
}

// kindPriority orders siblings; lower values come first.
var kindPriority = map[string]int{
	"Ingress":                 0,
	"Service":                 1,
	"Deployment":              1,
	"StatefulSet":             1,
	"DaemonSet":               1,
	"CronJob":                 1,
	"ReplicaSet":              2,
	"Job":                     2,
	"Pod":                     3,
	"HorizontalPodAutoscaler": 4,
	"PersistentVolumeClaim":   4,
	"ConfigMap":               5,
	"Secret":                  5,
}

const defaultKindPriority = 6

// KindPriority returns the sibling ordering priority of kind.
func KindPriority(kind string) int {
	if p, ok := kindPriority[kind]; ok {
		return p
	}
	return defaultKindPriority
}

type builder struct {
	lanes   map[types.LaneID]*Lane
	parents map[types.LaneID]relation
}

// Build correlates events into lanes and returns the root lanes.
func Build(events []types.Event, edges []types.Edge) []*Lane {
	b := &builder{
		lanes:   make(map[types.LaneID]*Lane),
		parents: make(map[types.LaneID]relation),
	}
	b.assignEvents(sortEvents(events))
	b.inferOwnership()
	b.applyEdges(sortEdges(edges))
	roots := b.resolveRoots()
	return b.assemble(roots)
}

// wellFormed reports whether ref produces a parseable lane id.
func wellFormed(ref types.ResourceRef) bool {
	_, err := types.ParseLaneID(string(ref.LaneID()))
	return err == nil
}

func (b *builder) ensure(ref types.ResourceRef) *Lane {
	id := ref.LaneID()
	if l, ok := b.lanes[id]; ok {
		return l
	}
	l := newLane(ref)
	b.lanes[id] = l
	return l
}

func (b *builder) hasEvents(id types.LaneID) bool {
	l, ok := b.lanes[id]
	return ok && len(l.Events) > 0
}

// assignEvents places every event on its own lane, or on its owner's lane for
// native Event objects.
func (b *builder) assignEvents(events []types.Event) {
	for _, e := range events {
		if e.IsNativeObject() && e.Owner != nil {
			owner := e.Owner.In(e.Resource.Namespace)
			if !wellFormed(owner) {
				continue
			}
			l := b.ensure(owner)
			l.Events = append(l.Events, e)
			continue
		}
		if !wellFormed(e.Resource) {
			continue
		}
		l := b.ensure(e.Resource)
		l.Events = append(l.Events, e)
	}
}

// inferOwnership links each lane to the owner named by its newest event that
// carries one.
func (b *builder) inferOwnership() {
	for _, id := range sortedIDs(b.lanes) {
		l := b.lanes[id]
		var owner *types.ResourceRef
		for _, e := range l.Events {
			if e.LaneID() != id || e.Owner == nil {
				continue
			}
			ref := e.Owner.In(e.Resource.Namespace)
			owner = &ref
		}
		if owner == nil || !wellFormed(*owner) || owner.LaneID() == id {
			continue
		}
		b.ensure(*owner)
		b.parents[id] = relation{parent: owner.LaneID(), origin: OriginOwnerReference}
	}
}

// orient returns the child and parent side of a topology edge.
func orient(e types.Edge) (child, parent types.ResourceRef, ok bool) {
	switch e.Type {
	case types.EdgeExposes, types.EdgeRoutesTo, types.EdgeUses:
		return e.Target, e.Source, true
	case types.EdgeConfigures:
		return e.Source, e.Target, true
	default:
		return types.ResourceRef{}, types.ResourceRef{}, false
	}
}

// applyEdges fills in parents for lanes that ownership left unparented.
func (b *builder) applyEdges(edges []types.Edge) {
	for _, e := range edges {
		if !e.Valid() {
			continue
		}
		child, parent, ok := orient(e)
		if !ok || !wellFormed(child) || !wellFormed(parent) {
			continue
		}
		childID, parentID := child.LaneID(), parent.LaneID()
		if childID == parentID {
			continue
		}
		if !b.hasEvents(childID) && !b.hasEvents(parentID) {
			continue
		}
		if _, exists := b.lanes[childID]; !exists {
			continue
		}
		if _, parented := b.parents[childID]; parented {
			continue
		}
		b.ensure(parent)
		b.parents[childID] = relation{parent: parentID, origin: OriginTopology}
	}
}

// resolveRoots walks each lane's parent chain with a visited set. Lanes on a
// cycle lose their parent link and become roots. The returned map holds the
// root of every lane.
func (b *builder) resolveRoots() map[types.LaneID]types.LaneID {
	roots := make(map[types.LaneID]types.LaneID, len(b.lanes))
	for _, start := range sortedIDs(b.lanes) {
		if _, done := roots[start]; done {
			continue
		}
		var path []types.LaneID
		visited := make(map[types.LaneID]int)
		cur := start
		for {
			if _, done := roots[cur]; done {
				break
			}
			if idx, seen := visited[cur]; seen {
				for _, id := range path[idx:] {
					delete(b.parents, id)
					roots[id] = id
				}
				path = path[:idx]
				break
			}
			visited[cur] = len(path)
			path = append(path, cur)
			rel, ok := b.parents[cur]
			if !ok {
				break
			}
			cur = rel.parent
		}
		// Lanes leading into a cut cycle hang below the cycle member they
		// point at, which is now a root of its own.
		for i := len(path) - 1; i >= 0; i-- {
			id := path[i]
			if rel, ok := b.parents[id]; ok {
				roots[id] = roots[rel.parent]
			} else {
				roots[id] = id
			}
		}
	}
	return roots
}

// assemble nests lanes under their direct parent and returns the roots.
func (b *builder) assemble(roots map[types.LaneID]types.LaneID) []*Lane {
	var top []*Lane
	for _, id := range sortedIDs(b.lanes) {
		l := b.lanes[id]
		if roots[id] == id {
			top = append(top, l)
			continue
		}
		p := b.lanes[b.parents[id].parent]
		p.Children = append(p.Children, l)
	}

	top = prune(top)
	sortSiblings(top)
	Walk(top, func(l *Lane, _ int) bool {
		sortSiblings(l.Children)
		return true
	})
	return top
}

// prune drops lanes that hold no events and have no remaining children.
func prune(ls []*Lane) []*Lane {
	out := ls[:0]
	for _, l := range ls {
		l.Children = prune(l.Children)
		if len(l.Events) > 0 || len(l.Children) > 0 {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortSiblings(ls []*Lane) {
	sort.SliceStable(ls, func(i, j int) bool {
		pi, pj := KindPriority(ls[i].Resource.Kind), KindPriority(ls[j].Resource.Kind)
		if pi != pj {
			return pi < pj
		}
		ti, tj := ls[i].LatestTimestamp(), ls[j].LatestTimestamp()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ls[i].ID < ls[j].ID
	})
}

func sortedIDs(m map[types.LaneID]*Lane) []types.LaneID {
	ids := lo.Keys(m)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// sortEvents returns a copy ordered by timestamp, then ID.
func sortEvents(events []types.Event) []types.Event {
	out := append([]types.Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// sortEdges returns a copy ordered by type, source and target.
func sortEdges(edges []types.Edge) []types.Edge {
	out := append([]types.Edge(nil), edges...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		si, sj := out[i].Source.LaneID(), out[j].Source.LaneID()
		if si != sj {
			return si < sj
		}
		return out[i].Target.LaneID() < out[j].Target.LaneID()
	})
	return out
}
