// Package apiclient talks to the non-streaming timberline endpoints: the
// point-in-time event list and the topology edges.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/wire"
)

// Endpoint paths relative to the server base URL.
const (
	EventsPath   = "/api/v1/events"
	TopologyPath = "/api/v1/topology"
)

// ErrUnexpectedStatus is wrapped by errors for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// EventQuery selects events from the list endpoint.
type EventQuery struct {
	Namespace string
	Kind      string
	// Since limits results to events at or after this time. Zero means all.
	Since            time.Time
	Filter           string
	IncludeK8sEvents bool
	IncludeManaged   bool
	// Limit caps the number of events. Zero lets the server decide.
	Limit int
}

// Values encodes q as query parameters.
func (q EventQuery) Values() url.Values {
	v := url.Values{}
	if q.Namespace != "" {
		v.Set("namespace", q.Namespace)
	}
	if q.Kind != "" {
		v.Set("kind", q.Kind)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.Filter != "" {
		v.Set("filter", q.Filter)
	}
	v.Set("include_k8s_events", strconv.FormatBool(q.IncludeK8sEvents))
	v.Set("include_managed", strconv.FormatBool(q.IncludeManaged))
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ParseEventQuery is the inverse of Values. Missing booleans default to
// include_k8s_events=true and include_managed=false.
func ParseEventQuery(v url.Values) (EventQuery, error) {
	q := EventQuery{
		Namespace:        v.Get("namespace"),
		Kind:             v.Get("kind"),
		Filter:           v.Get("filter"),
		IncludeK8sEvents: true,
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return EventQuery{}, fmt.Errorf("invalid since %q: %w", s, err)
		}
		q.Since = t
	}
	if s := v.Get("include_k8s_events"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return EventQuery{}, fmt.Errorf("invalid include_k8s_events %q: %w", s, err)
		}
		q.IncludeK8sEvents = b
	}
	if s := v.Get("include_managed"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return EventQuery{}, fmt.Errorf("invalid include_managed %q: %w", s, err)
		}
		q.IncludeManaged = b
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return EventQuery{}, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	return q, nil
}

// Options configures a Client.
type Options struct {
	Endpoint   string
	HTTPClient *http.Client
	// Timeout bounds each request. Zero means no timeout beyond the context.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Client. A missing or unusable endpoint yields
// wire.ErrNoEndpoint.
func New(opts Options) (*Client, error) {
	base, err := wire.ParseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("apiclient"),
	}, nil
}

// ListEvents fetches a point-in-time list of events. Malformed entries are
// dropped and logged.
func (c *Client) ListEvents(ctx context.Context, q EventQuery) ([]types.Event, error) {
	var list wire.EventList
	if err := c.get(ctx, EventsPath, q.Values(), &list); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, errs := wire.ToEvents(list.Events)
	if len(errs) > 0 {
		c.logger.Warn("Dropped malformed events",
			zap.Int("count", len(errs)),
			zap.Error(errs[0]))
	}
	return events, nil
}

// Topology fetches the relationship edges for namespace, or for all
// namespaces when it is empty. Malformed edges are dropped and logged.
func (c *Client) Topology(ctx context.Context, namespace string) ([]types.Edge, error) {
	v := url.Values{}
	if namespace != "" {
		v.Set("namespace", namespace)
	}
	var topo wire.Topology
	if err := c.get(ctx, TopologyPath, v, &topo); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	edges, errs := wire.ToEdges(topo.Edges)
	if len(errs) > 0 {
		c.logger.Warn("Dropped malformed edges",
			zap.Int("count", len(errs)),
			zap.Error(errs[0]))
	}
	return edges, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
