package server

import (
	"encoding/json"
	"net/http"

	"github.com/timberline-dev/timberline/internal/apiclient"
	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/wire"
)

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status   string         `json:"status"`
	Synced   bool           `json:"synced"`
	Events   int            `json:"events"`
	Clients  int            `json:"clients"`
	Topology map[string]int `json:"topology,omitempty"`
}

// topologyCounter is implemented by *topology.Graph.
type topologyCounter interface {
	Counts() map[string]int
}

// handleGet wraps a handler that only accepts GET.
func (s *Server) handleGet(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := apiclient.ParseEventQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preset, err := ParsePreset(q.Filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sc := scope{namespace: q.Namespace, preset: preset}

	var matched []types.Event
	for _, e := range s.store.Snapshot() {
		if sc.match(e, s.classifier) && listFilter(q, e) {
			matched = append(matched, e)
		}
	}

	limit := q.Limit
	if limit == 0 {
		limit = s.opts.MaxEvents
	}
	list := wire.EventList{Total: len(matched)}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	list.Events = wire.FromEvents(matched)
	if list.Events == nil {
		list.Events = []wire.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo := wire.Topology{Edges: []types.Edge{}}
	if s.opts.Topology != nil {
		if edges := s.opts.Topology.Edges(r.URL.Query().Get("namespace")); edges != nil {
			topo.Edges = edges
		}
	}
	writeJSON(w, http.StatusOK, topo)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Synced:  s.opts.Ready == nil || s.opts.Ready(),
		Events:  s.Len(),
		Clients: s.Clients(),
	}
	if tc, ok := s.opts.Topology.(topologyCounter); ok {
		resp.Topology = tc.Counts()
	}
	status := http.StatusOK
	if !resp.Synced {
		resp.Status = "syncing"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
