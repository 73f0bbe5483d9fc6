package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/wire"
)

// frame is one encoded stream message.
type frame struct {
	event string
	data  []byte
}

// streamClient is one connected stream. groupHealth holds the last health
// sent per group and is guarded by Server.mu.
type streamClient struct {
	id          string
	scope       scope
	groupBy     GroupBy
	ch          chan frame
	dropped     chan struct{}
	dropOnce    sync.Once
	groupHealth map[string]types.HealthState
}

func (c *streamClient) drop() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

// handleStream serves the live feed as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	preset, err := ParsePreset(q.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	groupBy, err := ParseGroupBy(q.Get("group_by"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c := &streamClient{
		id:          s.ids.NextID(s.clock.Now()),
		scope:       scope{namespace: q.Get("namespace"), preset: preset},
		groupBy:     groupBy,
		ch:          make(chan frame, s.opts.StreamBuffer),
		dropped:     make(chan struct{}),
		groupHealth: make(map[string]types.HealthState),
	}
	initial, err := s.register(c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer s.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, initial); err != nil {
		return
	}
	flusher.Flush()

	ticker := s.clock.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		var f frame
		select {
		case <-r.Context().Done():
			return
		case <-c.dropped:
			s.logger.Warn("Stream client buffer full, disconnecting", zap.String("client", c.id))
			return
		case f = <-c.ch:
		case now := <-ticker.C():
			f, err = encodeFrame(wire.MessageHeartbeat, wire.Heartbeat{Time: now.UTC()})
			if err != nil {
				continue
			}
		}
		if err := writeFrame(w, f); err != nil {
			s.logger.Debug("Stream write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// register builds the client's initial snapshot and adds it to the
// broadcast set in one step.
func (s *Server) register(c *streamClient) (frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []types.Event
	for _, e := range s.store.Snapshot() {
		if c.scope.match(e, s.classifier) {
			events = append(events, e)
		}
	}
	total := len(events)
	if len(events) > s.opts.MaxEvents {
		events = events[len(events)-s.opts.MaxEvents:]
	}

	payload := wire.Initial{
		Events: wire.FromEvents(events),
		Meta: wire.Meta{
			Total:     total,
			Namespace: c.scope.namespace,
			GroupBy:   string(c.groupBy),
			Filter:    string(c.scope.preset),
		},
	}
	if payload.Events == nil {
		payload.Events = []wire.Event{}
	}

	if c.groupBy != GroupByNone {
		groups := make(map[string]*types.GroupSummary)
		for _, e := range events {
			key := c.groupBy.key(s.stateForLocked(e))
			if key == "" {
				continue
			}
			g, ok := groups[key]
			if !ok {
				g = &types.GroupSummary{ID: key}
				groups[key] = g
			}
			g.Merge(e)
		}
		keys := make([]string, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			g := groups[k]
			g.Health = s.groupHealthLocked(c.groupBy, k, c.scope.namespace)
			c.groupHealth[k] = g.Health
			payload.Groups = append(payload.Groups, wire.FromGroup(*g))
		}
	}

	f, err := encodeFrame(wire.MessageInitial, payload)
	if err != nil {
		return frame{}, err
	}
	s.clients[c.id] = c
	streamClients.Set(float64(len(s.clients)))
	s.logger.Debug("Stream client connected",
		zap.String("client", c.id),
		zap.String("namespace", c.scope.namespace),
		zap.String("group_by", string(c.groupBy)),
		zap.String("filter", string(c.scope.preset)),
		zap.Int("events", len(events)))
	return f, nil
}

func (s *Server) unregister(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	streamClients.Set(float64(len(s.clients)))
	s.logger.Debug("Stream client disconnected", zap.String("client", c.id))
}

// stateForLocked returns the lane state used to group e. Events of lanes
// that are no longer tracked fall back to what the event itself carries.
func (s *Server) stateForLocked(e types.Event) *laneState {
	if st, ok := s.lanes[e.AttachedLaneID()]; ok {
		return st
	}
	st := &laneState{namespace: e.Resource.Namespace}
	if e.Change != nil {
		st.labels = e.Change.Labels
	}
	return st
}

// broadcastLocked queues e for every client in scope, followed by a
// group_update when the client's view of the group health changed.
func (s *Server) broadcastLocked(e types.Event, st *laneState) {
	if len(s.clients) == 0 {
		return
	}
	w := wire.FromEvent(e)
	for _, c := range s.clients {
		if !c.scope.match(e, s.classifier) {
			continue
		}
		key := c.groupBy.key(st)
		s.sendLocked(c, wire.MessageEvent, wire.EventMessage{Event: w, GroupID: key})
		if key == "" {
			continue
		}
		h := s.groupHealthLocked(c.groupBy, key, c.scope.namespace)
		if prev, ok := c.groupHealth[key]; ok && prev == h {
			continue
		}
		c.groupHealth[key] = h
		s.sendLocked(c, wire.MessageGroupUpdate, wire.GroupUpdate{GroupID: key, HealthState: string(h)})
	}
}

// sendLocked queues a message without blocking. A client that cannot keep
// up is dropped; it reconnects and receives a fresh initial snapshot.
func (s *Server) sendLocked(c *streamClient, event string, payload interface{}) {
	f, err := encodeFrame(event, payload)
	if err != nil {
		s.logger.Error("Failed to encode stream message", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.ch <- f:
	default:
		c.drop()
	}
}

func encodeFrame(event string, payload interface{}) (frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return frame{}, err
	}
	return frame{event: event, data: data}, nil
}

func writeFrame(w http.ResponseWriter, f frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
	return err
}
