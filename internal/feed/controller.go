package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/timberline-dev/timberline/internal/eventstore"
	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/wire"
)

// StreamPath is the stream endpoint relative to the server base URL.
const StreamPath = "/api/v1/stream"

// State is the connection state of a Controller.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// Params scopes a stream. A Controller holds at most one connection per
// Params value.
type Params struct {
	Namespace string
	GroupBy   string
	Filter    string
}

func (p Params) String() string {
	return fmt.Sprintf("namespace=%q group_by=%q filter=%q", p.Namespace, p.GroupBy, p.Filter)
}

func (p Params) query() url.Values {
	q := url.Values{}
	if p.Namespace != "" {
		q.Set("namespace", p.Namespace)
	}
	if p.GroupBy != "" {
		q.Set("group_by", p.GroupBy)
	}
	if p.Filter != "" {
		q.Set("filter", p.Filter)
	}
	return q
}

// Update describes what a handled message changed.
type Update struct {
	// Type is the stream message name.
	Type string
	// Added holds the events that were new to the store. For initial
	// messages it holds the full snapshot.
	Added   []types.Event
	GroupID string
}

// Options configures a Controller.
type Options struct {
	// Endpoint is the base URL of the timberline server.
	Endpoint string

	// Params scope the first connection.
	Params Params

	// Store receives snapshots and incremental events. Required.
	Store *eventstore.Store

	HTTPClient *http.Client

	// ReconnectInterval is the base interval between reconnection attempts.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration

	// IdleTimeout drops a connection that delivered nothing, not even a
	// heartbeat, for this long. Zero disables the check.
	IdleTimeout time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	// OnUpdate is called on the connection goroutine after each message was
	// applied. It must not call SetParams or Close.
	OnUpdate func(Update)

	// OnStateChange is called after every state transition. err is the
	// *ConnectionError for StateError and nil otherwise. Like OnUpdate it
	// must not call SetParams or Close.
	OnStateChange func(state State, err error)
}

// DefaultOptions returns default options for the Controller.
func DefaultOptions() Options {
	return Options{
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: time.Minute,
		IdleTimeout:          time.Minute,
		Logger:               zap.NewNop(),
	}
}

// Controller follows the live stream for one view.
type Controller struct {
	opts     Options
	logger   *zap.Logger
	clock    clock.Clock
	endpoint *url.URL

	// lifeMu guards the connection lifecycle fields below.
	lifeMu sync.Mutex
	parent context.Context
	params Params
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	stateMu       sync.RWMutex
	state         State
	lastErr       error
	lastHeartbeat time.Time
	reconnects    uint64
	groups        map[string]types.GroupSummary
}

// NewController validates opts and returns an idle controller. A missing or
// unparseable endpoint yields ErrNoEndpoint.
func NewController(opts Options) (*Controller, error) {
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = defaults.ReconnectInterval
	}
	if opts.MaxReconnectInterval == 0 {
		opts.MaxReconnectInterval = defaults.MaxReconnectInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Store == nil {
		return nil, errors.New("feed: a store is required")
	}

	endpoint, err := wire.ParseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	return &Controller{
		opts:     opts,
		logger:   opts.Logger.Named("feed"),
		clock:    opts.Clock,
		endpoint: endpoint,
		params:   opts.Params,
		state:    StateIdle,
		groups:   make(map[string]types.GroupSummary),
	}, nil
}

// Start opens the first connection. Calling Start on a running controller
// does nothing. ctx bounds every connection the controller makes.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.done != nil {
		return nil
	}
	c.parent = ctx
	c.launchLocked()
	return nil
}

// SetParams switches the stream scope. The current connection is closed
// before the new one is opened. Setting the current params again is a no-op.
func (c *Controller) SetParams(p Params) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if p == c.params && c.done != nil {
		return nil
	}
	c.stopLocked()
	c.params = p
	c.logger.Info("Stream parameters changed", zap.Stringer("params", p))
	if c.parent != nil {
		c.launchLocked()
	}
	return nil
}

// Close tears down the connection and any pending reconnect. It is safe to
// call more than once.
func (c *Controller) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.setState(StateClosed, nil)
	return nil
}

func (c *Controller) launchLocked() {
	ctx, cancel := context.WithCancel(c.parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(ctx, c.params, done)
}

// stopLocked cancels the running loop and waits for it to exit.
func (c *Controller) stopLocked() {
	if c.done == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	feedConnected.Set(0)
}

// Params returns the current stream scope.
func (c *Controller) Params() Params {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.params
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Stats contains controller statistics.
type Stats struct {
	State         State
	Reconnects    uint64
	LastError     error
	LastHeartbeat time.Time
}

// Stats returns controller statistics.
func (c *Controller) Stats() Stats {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return Stats{
		State:         c.state,
		Reconnects:    c.reconnects,
		LastError:     c.lastErr,
		LastHeartbeat: c.lastHeartbeat,
	}
}

// Groups returns copies of the cached group summaries ordered by id.
func (c *Controller) Groups() []types.GroupSummary {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make([]types.GroupSummary, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Group returns a copy of one cached group summary.
func (c *Controller) Group(id string) (types.GroupSummary, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return types.GroupSummary{}, false
	}
	return g.Clone(), true
}

func (c *Controller) setState(s State, err error) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	c.stateMu.Unlock()

	if prev == s {
		return
	}
	c.logger.Debug("State changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s, err)
	}
}

// run manages one logical subscription with reconnection.
func (c *Controller) run(ctx context.Context, params Params, done chan struct{}) {
	defer close(done)

	interval := c.opts.ReconnectInterval
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++
		c.setState(StateConnecting, nil)

		streamed, err := c.stream(ctx, params)
		feedConnected.Set(0)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			interval = c.opts.ReconnectInterval
			attempt = 1
		}

		connErr := &ConnectionError{Attempt: attempt, Params: params, Err: err}
		c.setState(StateError, connErr)
		c.logger.Warn("Stream disconnected",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", interval))

		timer := c.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		interval = c.nextReconnectInterval(interval)

		c.stateMu.Lock()
		c.reconnects++
		c.stateMu.Unlock()
		feedReconnectsTotal.Inc()
	}
}

// nextReconnectInterval doubles the interval up to the configured maximum.
func (c *Controller) nextReconnectInterval(current time.Duration) time.Duration {
	next := current * 2
	if next > c.opts.MaxReconnectInterval {
		return c.opts.MaxReconnectInterval
	}
	return next
}

func (c *Controller) streamURL(p Params) string {
	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + StreamPath
	u.RawQuery = p.query().Encode()
	return u.String()
}

// stream holds one connection until it fails or ctx ends. streamed reports
// whether an initial snapshot was applied on this connection.
func (c *Controller) stream(ctx context.Context, params Params) (streamed bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.streamURL(params), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}
	c.logger.Info("Connected to stream", zap.String("url", req.URL.String()))

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		fr := newFrameReader(resp.Body)
		for {
			f, err := fr.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-connCtx.Done():
				return
			}
		}
	}()

	var (
		idle  clock.Timer
		idleC <-chan time.Time
	)
	if c.opts.IdleTimeout > 0 {
		idle = c.clock.NewTimer(c.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C()
	}

	for {
		select {
		case <-ctx.Done():
			return streamed, ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				err = errUnexpectedClose
			}
			return streamed, err
		case <-idleC:
			return streamed, errIdle
		case f := <-frames:
			if idle != nil {
				idle.Reset(c.opts.IdleTimeout)
			}
			if c.handle(f) {
				streamed = true
			}
		}
	}
}

// handle applies one frame. It returns true when the frame was an initial
// snapshot that was applied.
func (c *Controller) handle(f Frame) bool {
	switch f.Event {
	case wire.MessageInitial:
		feedMessagesTotal.WithLabelValues(f.Event).Inc()
		var msg wire.Initial
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			c.decodeFailed(f, err)
			return false
		}
		events, errs := wire.ToEvents(msg.Events)
		c.droppedEntries(f.Event, errs)
		groups := make(map[string]types.GroupSummary, len(msg.Groups))
		for _, wg := range msg.Groups {
			g, err := wire.ToGroup(wg)
			if err != nil {
				c.droppedEntries(f.Event, []error{err})
				continue
			}
			groups[g.ID] = g
		}

		c.opts.Store.Replace(events)
		c.stateMu.Lock()
		c.groups = groups
		c.stateMu.Unlock()

		feedConnected.Set(1)
		c.setState(StateStreaming, nil)
		c.logger.Info("Applied initial snapshot",
			zap.Int("events", len(events)),
			zap.Int("groups", len(groups)),
			zap.Int("total", msg.Meta.Total))
		c.notify(Update{Type: f.Event, Added: events})
		return true

	case wire.MessageEvent:
		feedMessagesTotal.WithLabelValues(f.Event).Inc()
		var msg wire.EventMessage
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			c.decodeFailed(f, err)
			return false
		}
		e, err := wire.ToEvent(msg.Event)
		if err != nil {
			c.decodeFailed(f, err)
			return false
		}
		added := c.opts.Store.Ingest([]types.Event{e})
		if msg.GroupID != "" && len(added) > 0 {
			c.stateMu.Lock()
			g, ok := c.groups[msg.GroupID]
			if !ok {
				g = types.GroupSummary{ID: msg.GroupID, Health: types.HealthUnknown}
			}
			g.Merge(e)
			c.groups[msg.GroupID] = g
			c.stateMu.Unlock()
		}
		c.notify(Update{Type: f.Event, Added: added, GroupID: msg.GroupID})

	case wire.MessageGroupUpdate:
		feedMessagesTotal.WithLabelValues(f.Event).Inc()
		var msg wire.GroupUpdate
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			c.decodeFailed(f, err)
			return false
		}
		if msg.GroupID == "" {
			c.decodeFailed(f, wire.ErrMalformed)
			return false
		}
		c.stateMu.Lock()
		g, ok := c.groups[msg.GroupID]
		if !ok {
			g = types.GroupSummary{ID: msg.GroupID}
		}
		g.Health = types.ParseHealthState(msg.HealthState)
		c.groups[msg.GroupID] = g
		c.stateMu.Unlock()
		c.notify(Update{Type: f.Event, GroupID: msg.GroupID})

	case wire.MessageHeartbeat:
		feedMessagesTotal.WithLabelValues(f.Event).Inc()
		var msg wire.Heartbeat
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			c.decodeFailed(f, err)
			return false
		}
		if msg.Time.IsZero() {
			msg.Time = c.clock.Now()
		}
		c.stateMu.Lock()
		c.lastHeartbeat = msg.Time
		c.stateMu.Unlock()

	default:
		feedMessagesTotal.WithLabelValues("unknown").Inc()
		c.logger.Debug("Ignoring unknown stream message", zap.String("event", f.Event))
	}
	return false
}

func (c *Controller) notify(u Update) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(u)
	}
}

func (c *Controller) decodeFailed(f Frame, err error) {
	feedDecodeErrorsTotal.Inc()
	c.logger.Warn("Skipping undecodable stream message",
		zap.String("event", f.Event),
		zap.Int("bytes", len(f.Data)),
		zap.Error(err))
}

func (c *Controller) droppedEntries(event string, errs []error) {
	if len(errs) == 0 {
		return
	}
	feedDecodeErrorsTotal.Add(float64(len(errs)))
	c.logger.Warn("Dropped malformed entries",
		zap.String("event", event),
		zap.Int("count", len(errs)),
		zap.Error(errs[0]))
}
