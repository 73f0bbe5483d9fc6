// Package lanes correlates flat timeline events into a forest of per-resource
// lanes.
//
// # Contract
//
//	Build(events []types.Event, edges []types.Edge) []*Lane
//
// Build is a pure function of its inputs. Events and edges are sorted before
// use, so the order in which callers supply them never changes the result.
//
// # Correlation
//
// Each distinct kind/namespace/name gets one lane. Native Event objects with a
// resolvable owner are appended to the owner's lane instead; the owner lane is
// created as a placeholder when no event describes it directly.
//
// Parents come from two sources. Owner references carried by events are
// authoritative. Topology edges only fill in lanes that have no owner-derived
// parent, and only when an endpoint lane already holds events.
//
// Parent links that form a cycle are cut: every lane on the cycle becomes a
// root. Remaining lanes nest under their direct parent, and siblings are
// ordered by kind priority, then most recent activity.
package lanes
