// Package server exposes the collected timeline over HTTP.
//
// Endpoints:
//
//	GET /api/v1/events    point-in-time event list
//	GET /api/v1/topology  relationship edges
//	GET /api/v1/stream    live feed as server-sent events
//	GET /healthz          readiness
//	GET /metrics          Prometheus metrics
//
// The stream sends one initial message holding the scoped snapshot and the
// group summaries, then an event message per new event. When an event
// changes the health of its group, a group_update follows it. Heartbeats
// are sent at a fixed interval so clients can detect a dead connection.
//
// Each client has a bounded buffer. A client that falls behind is
// disconnected rather than slowing down the collector; on reconnect its
// initial message reconciles whatever it missed.
package server
