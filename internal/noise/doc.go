// Package noise decides whether a timeline event is routine chatter that the
// timeline hides by default.
//
// Rules are evaluated in order and the first match decides:
//
//  1. Updates of core/v1 Event objects are routine; their content already
//     arrives as k8s_event entries.
//  2. Anything that is not an update (adds, deletes, native events) is signal.
//  3. Updates of noisy kinds (Lease, Endpoints, EndpointSlice, Event).
//  4. Updates of objects named like leader-election, lock, lease or
//     heartbeat objects.
//  5. Updates of ConfigMaps with a lock/lease/leader suffix or an internal
//     store marker in the name.
//
// Events that match no rule are signal.
package noise
