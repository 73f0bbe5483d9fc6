// Package eventstore provides the append-only, deduplicated holding area for
// timeline events of a single view.
//
// # Contract
//
// The Store keeps events keyed by ID in chronological order. Events with the
// same timestamp keep their receipt order.
//
//	Ingest(events []types.Event) []types.Event
//	  - Appends events whose ID is unknown and returns exactly those.
//	  - Re-ingesting a known ID is a no-op (at-least-once delivery).
//	  - Evicts events older than the window before appending. Events already
//	    outside the window are not stored.
//
//	Replace(events []types.Event)
//	  - Discards the current contents and stores events wholesale. Used when
//	    an authoritative snapshot arrives.
//
//	Snapshot() []types.Event
//	  - Returns a copy; callers may hold it while ingestion continues.
//
// # Ownership
//
// One writer (the view's consumer goroutine) mutates the store. Reads may
// come from other goroutines and are served under a read lock.
package eventstore
