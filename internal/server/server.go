package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/timberline-dev/timberline/internal/apiclient"
	"github.com/timberline-dev/timberline/internal/eventstore"
	"github.com/timberline-dev/timberline/internal/feed"
	"github.com/timberline-dev/timberline/internal/noise"
	"github.com/timberline-dev/timberline/internal/types"
)

// EdgeSource supplies topology edges. *topology.Graph implements it.
type EdgeSource interface {
	Edges(namespace string) []types.Edge
}

// Options configures the Server.
type Options struct {
	// Addr is the listen address. Default: ":8080".
	Addr string

	// Window bounds how long events are retained. Default: 1h.
	Window time.Duration

	// MaxEvents caps list responses when the query has no limit. Default: 1000.
	MaxEvents int

	// StreamBuffer is the per-client message buffer. A client whose
	// buffer fills up is disconnected. Default: 256.
	StreamBuffer int

	// HeartbeatInterval is the time between heartbeat messages. Default: 15s.
	HeartbeatInterval time.Duration

	// Topology supplies edges. May be nil.
	Topology EdgeSource

	// Ready reports whether the collector has synced. May be nil.
	Ready func() bool

	Classifier *noise.Classifier
	Clock      clock.WithTicker
	IDs        types.IDGenerator
	Logger     *zap.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Addr:              ":8080",
		Window:            time.Hour,
		MaxEvents:         1000,
		StreamBuffer:      256,
		HeartbeatInterval: 15 * time.Second,
	}
}

// laneState is the latest known state of one lane.
type laneState struct {
	namespace string
	labels    map[string]string
	health    types.HealthState
}

// Server serves the timeline over HTTP. It implements collector.Sink.
type Server struct {
	logger     *zap.Logger
	opts       Options
	store      *eventstore.Store
	classifier *noise.Classifier
	clock      clock.WithTicker
	ids        types.IDGenerator
	httpServer *http.Server

	// mu serializes Publish against client registration so every client
	// sees each event exactly once, either in its initial snapshot or as
	// a live message.
	mu      sync.RWMutex
	lanes   map[types.LaneID]*laneState
	clients map[string]*streamClient
	// evicted is set by the store when Ingest aged events out.
	evicted bool
}

// New creates a Server.
func New(opts Options) *Server {
	def := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = def.Addr
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = def.MaxEvents
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = def.StreamBuffer
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.Classifier == nil {
		opts.Classifier = noise.DefaultClassifier()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = types.NewULIDGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		logger:     opts.Logger.Named("server"),
		opts:       opts,
		classifier: opts.Classifier,
		clock:      opts.Clock,
		ids:        opts.IDs,
		lanes:      make(map[types.LaneID]*laneState),
		clients:    make(map[string]*streamClient),
	}
	// Ingest only runs under s.mu, so the callback may set s.evicted.
	s.store = eventstore.New(eventstore.Options{
		Window: opts.Window,
		Clock:  opts.Clock,
		OnChange: func(c eventstore.ChangeEvent) {
			if c.Evicted > 0 {
				s.evicted = true
			}
		},
	})
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(apiclient.EventsPath, s.handleGet(s.handleEvents))
	mux.HandleFunc(apiclient.TopologyPath, s.handleGet(s.handleTopology))
	mux.HandleFunc(feed.StreamPath, s.handleGet(s.handleStream))
	mux.HandleFunc("/healthz", s.handleGet(s.handleHealthz))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves HTTP. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("Starting timeline server", zap.String("addr", s.opts.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down timeline server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Publish stores events and streams the new ones to connected clients.
func (s *Server) Publish(events ...types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.store.Ingest(events)
	if s.evicted {
		s.pruneLanesLocked()
		s.evicted = false
	}
	for _, e := range added {
		s.broadcastLocked(e, s.trackLocked(e))
	}
}

// pruneLanesLocked drops the state of lanes with no retained events, so aged
// out lanes no longer count toward group health.
func (s *Server) pruneLanesLocked() {
	live := make(map[types.LaneID]bool, len(s.lanes))
	for _, e := range s.store.Snapshot() {
		live[e.AttachedLaneID()] = true
	}
	for id := range s.lanes {
		if !live[id] {
			delete(s.lanes, id)
		}
	}
}

// trackLocked folds e into the lane state used for grouping and returns the
// state e belongs to. Deleted lanes are dropped after their last event.
func (s *Server) trackLocked(e types.Event) *laneState {
	id := e.AttachedLaneID()
	st, ok := s.lanes[id]
	if !ok {
		st = &laneState{namespace: e.Resource.Namespace}
		s.lanes[id] = st
	}
	if e.Change == nil {
		return st
	}
	if e.Operation() == types.OperationDelete {
		delete(s.lanes, id)
		return st
	}
	if e.Change.Labels != nil {
		st.labels = e.Change.Labels
	}
	if h := e.Health(); h != "" {
		st.health = h
	}
	return st
}

// groupHealthLocked is the worst health among the lanes of group key
// within namespace.
func (s *Server) groupHealthLocked(mode GroupBy, key, namespace string) types.HealthState {
	var worst types.HealthState
	for _, st := range s.lanes {
		if st.health == "" || (namespace != "" && st.namespace != namespace) || mode.key(st) != key {
			continue
		}
		if worst == "" || st.health.Rank() > worst.Rank() {
			worst = st.health
		}
	}
	if worst == "" {
		return types.HealthUnknown
	}
	return worst
}

// Len returns the number of retained events.
func (s *Server) Len() int {
	return s.store.Len()
}

// Clients returns the number of connected stream clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
