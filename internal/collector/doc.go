// Package collector turns cluster activity into timeline events.
//
// A Collector runs one shared informer factory over a fixed set of kinds.
// Every add, update and delete of a watched object becomes an informer
// change event carrying the controller owner, the labels, a field-level diff
// and a health state derived from status. Core Events become k8s_event
// native events attached to their involved object.
//
// Objects returned by the initial list are published as historical events
// stamped with their creation time. Live events pass through a token bucket;
// excess events are dropped and counted.
//
// # Identifiers
//
// Change events use uid:resourceVersion and deletions uid:deleted, so a
// relist of an unchanged object yields the same id and is absorbed by the
// event store. Native events use uid:count, so a repeated Event with a
// bumped count becomes a new entry.
//
// # Metrics
//
//   - timberline_collector_events_total{source}: published events
//   - timberline_collector_rate_limited_total: events dropped by the limiter
package collector
