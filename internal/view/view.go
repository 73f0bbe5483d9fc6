// Package view ties the timeline pieces together for one viewing session.
//
// A View owns exactly one event store, one order tracker and, when live
// updates are enabled, one feed controller. Nothing here is shared between
// views. Every rebuild is a pure pass over the store contents followed by a
// single atomic publication, so readers of Current never see a partially
// built forest.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/timberline-dev/timberline/internal/apiclient"
	"github.com/timberline-dev/timberline/internal/eventstore"
	"github.com/timberline-dev/timberline/internal/feed"
	"github.com/timberline-dev/timberline/internal/lanes"
	"github.com/timberline-dev/timberline/internal/noise"
	"github.com/timberline-dev/timberline/internal/ordering"
	"github.com/timberline-dev/timberline/internal/scoring"
	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/wire"
)

// ErrClosed is returned by operations on a closed view.
var ErrClosed = errors.New("view closed")

// Server filter presets the view rewrites.
const (
	filterDefault = "default"
	filterAll     = "all"
)

// serverFilter is the preset requested from the server for filter. The
// default preset only hides routine events, which the view hides itself, so
// the server is asked for everything and the show-routine toggle can reveal
// them.
func serverFilter(filter string) string {
	if filter == "" || filter == filterDefault {
		return filterAll
	}
	return filter
}

// Source supplies point-in-time events and topology. *apiclient.Client
// implements it.
type Source interface {
	ListEvents(ctx context.Context, q apiclient.EventQuery) ([]types.Event, error)
	Topology(ctx context.Context, namespace string) ([]types.Edge, error)
}

// Snapshot is one published state of the view. It must be treated as
// read-only.
type Snapshot struct {
	// ID is unique within the session.
	ID string
	// Roots are the root lanes in display order.
	Roots []*lanes.Lane
	// Groups are the cached group summaries of the live feed.
	Groups []types.GroupSummary
	// Events is the number of events in the store, Hidden the number
	// filtered out as routine.
	Events int
	Hidden int

	ShowRoutine bool
	BuiltAt     time.Time
	FeedState   feed.State
}

// Options configures a View.
type Options struct {
	Source Source

	// Query scopes Refresh. Its Namespace and Filter also scope the feed.
	Query apiclient.EventQuery
	// GroupBy is the grouping mode requested from the live feed.
	GroupBy string

	// Window bounds the store. Zero keeps everything.
	Window time.Duration

	ShowRoutine bool

	// Feed enables live updates when its Endpoint is set. Store, Params and
	// the callbacks are filled in by the view.
	Feed feed.Options

	Classifier *noise.Classifier
	Scorer     *scoring.Scorer
	IDs        types.IDGenerator
	Clock      clock.Clock
	Logger     *zap.Logger

	// OnPublish is called after every publication, outside the view lock.
	OnPublish func(*Snapshot)
}

// View is one timeline session.
type View struct {
	source     Source
	classifier *noise.Classifier
	ids        types.IDGenerator
	clock      clock.Clock
	logger     *zap.Logger
	onPublish  func(*Snapshot)

	store   *eventstore.Store
	tracker *ordering.Tracker
	feed    *feed.Controller

	// mu serializes rebuilds and every use of tracker.
	mu          sync.Mutex
	query       apiclient.EventQuery
	showRoutine bool
	edges       []types.Edge
	forest      []*lanes.Lane

	current   atomic.Pointer[Snapshot]
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a View. It returns feed.ErrNoEndpoint when live updates are
// requested with an unusable endpoint.
func New(opts Options) (*View, error) {
	if opts.Source == nil {
		return nil, errors.New("view: a source is required")
	}
	if opts.Classifier == nil {
		opts.Classifier = noise.DefaultClassifier()
	}
	if opts.Scorer == nil {
		opts.Scorer = scoring.Default()
	}
	if opts.IDs == nil {
		opts.IDs = types.NewULIDGenerator()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	v := &View{
		source:      opts.Source,
		classifier:  opts.Classifier,
		ids:         opts.IDs,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("view"),
		onPublish:   opts.OnPublish,
		query:       opts.Query,
		showRoutine: opts.ShowRoutine,
	}
	v.store = eventstore.New(eventstore.Options{Window: opts.Window, Clock: opts.Clock})
	v.tracker = ordering.New(ordering.Options{Scorer: opts.Scorer, Clock: opts.Clock, Logger: opts.Logger})

	if opts.Feed.Endpoint != "" {
		fo := opts.Feed
		fo.Store = v.store
		fo.Params = feed.Params{Namespace: opts.Query.Namespace, GroupBy: opts.GroupBy, Filter: serverFilter(opts.Query.Filter)}
		if fo.Clock == nil {
			fo.Clock = opts.Clock
		}
		if fo.Logger == nil {
			fo.Logger = opts.Logger
		}
		fo.OnUpdate = v.onFeedUpdate
		fo.OnStateChange = v.onFeedState
		c, err := feed.NewController(fo)
		if err != nil {
			return nil, fmt.Errorf("live feed: %w", err)
		}
		v.feed = c
	}

	v.publish(nil, 0, 0)
	return v, nil
}

// Start opens the live feed, if configured. The first initial message
// populates the view.
func (v *View) Start(ctx context.Context) error {
	if v.closed.Load() {
		return ErrClosed
	}
	if v.feed == nil {
		return nil
	}
	return v.feed.Start(ctx)
}

// Refresh fetches events and topology concurrently, replaces the store
// contents and publishes a rebuilt forest.
func (v *View) Refresh(ctx context.Context) error {
	if v.closed.Load() {
		return ErrClosed
	}

	v.mu.Lock()
	q := v.query
	v.mu.Unlock()
	q.Filter = serverFilter(q.Filter)

	var (
		events []types.Event
		edges  []types.Edge
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = v.source.ListEvents(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		edges, err = v.source.Topology(gctx, q.Namespace)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	v.mu.Lock()
	v.store.Replace(events)
	v.edges = edges
	snap := v.rebuildLocked()
	v.mu.Unlock()

	v.logger.Debug("Refreshed",
		zap.Int("events", len(events)),
		zap.Int("edges", len(edges)),
		zap.Int("roots", len(snap.Roots)))
	v.notify(snap)
	return nil
}

// SetShowRoutine toggles routine events and republishes.
func (v *View) SetShowRoutine(show bool) {
	v.mu.Lock()
	if v.showRoutine == show {
		v.mu.Unlock()
		return
	}
	v.showRoutine = show
	snap := v.rebuildLocked()
	v.mu.Unlock()
	v.notify(snap)
}

// SetScope changes the namespace, filter preset and grouping mode. The live
// connection, if any, is replaced. Call Refresh to reload point-in-time data.
func (v *View) SetScope(namespace, filter, groupBy string) error {
	if v.closed.Load() {
		return ErrClosed
	}
	v.mu.Lock()
	v.query.Namespace = namespace
	v.query.Filter = filter
	v.mu.Unlock()

	if v.feed == nil {
		return nil
	}
	return v.feed.SetParams(feed.Params{Namespace: namespace, GroupBy: groupBy, Filter: serverFilter(filter)})
}

// Resort discards the stable order and ranks all root lanes by score.
func (v *View) Resort() {
	v.mu.Lock()
	roots := v.tracker.Resort(v.forest)
	snap := v.publishLocked(roots)
	v.mu.Unlock()
	v.notify(snap)
}

// Current returns the latest published snapshot. It never returns nil.
func (v *View) Current() *Snapshot {
	return v.current.Load()
}

// Events returns a copy of the store contents in chronological order.
func (v *View) Events() []types.Event {
	return v.store.Snapshot()
}

// Close tears down the live feed. It is safe to call more than once.
func (v *View) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		if v.feed != nil {
			err = v.feed.Close()
		}
		v.logger.Debug("View closed")
	})
	return err
}

func (v *View) onFeedUpdate(u feed.Update) {
	if v.closed.Load() {
		return
	}
	if u.Type == wire.MessageGroupUpdate {
		v.mu.Lock()
		snap := v.publishLocked(v.currentRoots())
		v.mu.Unlock()
		v.notify(snap)
		return
	}
	if u.Type == wire.MessageEvent && len(u.Added) == 0 {
		return
	}
	v.mu.Lock()
	snap := v.rebuildLocked()
	v.mu.Unlock()
	v.notify(snap)
}

func (v *View) onFeedState(s feed.State, err error) {
	if err != nil {
		v.logger.Info("Live feed interrupted", zap.String("state", string(s)), zap.Error(err))
	}
}

func (v *View) currentRoots() []*lanes.Lane {
	return v.current.Load().Roots
}

// rebuildLocked runs the pure pipeline over the store and publishes.
func (v *View) rebuildLocked() *Snapshot {
	events := v.store.Snapshot()
	visible := v.classifier.Filter(events, v.showRoutine)
	v.forest = lanes.Build(visible, v.edges)
	roots := v.tracker.Observe(v.forest)
	return v.publish(roots, len(events), len(events)-len(visible))
}

func (v *View) publishLocked(roots []*lanes.Lane) *Snapshot {
	prev := v.current.Load()
	return v.publish(roots, prev.Events, prev.Hidden)
}

func (v *View) publish(roots []*lanes.Lane, events, hidden int) *Snapshot {
	now := v.clock.Now()
	snap := &Snapshot{
		ID:          v.ids.NextID(now),
		Roots:       roots,
		Events:      events,
		Hidden:      hidden,
		ShowRoutine: v.showRoutine,
		BuiltAt:     now,
	}
	if v.feed != nil {
		snap.Groups = v.feed.Groups()
		snap.FeedState = v.feed.State()
	}
	v.current.Store(snap)
	return snap
}

func (v *View) notify(snap *Snapshot) {
	if v.onPublish != nil {
		v.onPublish(snap)
	}
}
