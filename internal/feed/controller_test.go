package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/timberline-dev/timberline/internal/eventstore"
	"github.com/timberline-dev/timberline/internal/testutil"
	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/wire"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func writeFrame(t *testing.T, w http.ResponseWriter, name string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	writeRaw(w, name, string(data))
}

func writeRaw(w http.ResponseWriter, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func initial(events ...types.Event) wire.Initial {
	return wire.Initial{Events: wire.FromEvents(events), Meta: wire.Meta{Total: len(events)}}
}

func newTestController(t *testing.T, url string, opts Options) (*Controller, *eventstore.Store) {
	t.Helper()
	store := eventstore.New(eventstore.Options{})
	opts.Endpoint = url
	opts.Store = store
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 10 * time.Millisecond
	}
	if opts.MaxReconnectInterval == 0 {
		opts.MaxReconnectInterval = 40 * time.Millisecond
	}
	c, err := NewController(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, store
}

func storedIDs(s *eventstore.Store) []string {
	var ids []string
	for _, e := range s.Snapshot() {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestNewController_NoEndpoint(t *testing.T) {
	store := eventstore.New(eventstore.Options{})
	for _, endpoint := range []string{"", "   ", "ftp://host", "not a url", "http://"} {
		_, err := NewController(Options{Endpoint: endpoint, Store: store})
		assert.ErrorIs(t, err, ErrNoEndpoint, "endpoint %q", endpoint)
	}

	_, err := NewController(Options{Endpoint: "http://localhost:8080"})
	assert.Error(t, err)
}

func TestController_MessageHandling(t *testing.T) {
	a := testutil.Change("Deployment", "ns", "web", types.OperationAdd, testutil.At(0))
	b := testutil.OwnedChange("Pod", "ns", "web-1", types.OperationAdd, testutil.At(1), "Deployment", "web")
	c := testutil.Native("ns", "Pod", "web-1", types.EventTypeWarning, "BackOff", testutil.At(2))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, StreamPath, r.URL.Path)
		assert.Equal(t, "ns", r.URL.Query().Get("namespace"))
		assert.Equal(t, "app", r.URL.Query().Get("group_by"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		sseHeaders(w)

		snap := initial(a, b)
		snap.Groups = []wire.Group{{ID: "web", HealthState: "healthy", EventCount: 2, LaneIDs: []string{"Deployment/ns/web", "Pod/ns/web-1"}}}
		writeFrame(t, w, wire.MessageInitial, snap)
		writeFrame(t, w, wire.MessageEvent, wire.EventMessage{Event: wire.FromEvent(c), GroupID: "web"})
		// Duplicate delivery must not be counted twice.
		writeFrame(t, w, wire.MessageEvent, wire.EventMessage{Event: wire.FromEvent(c), GroupID: "web"})
		writeFrame(t, w, wire.MessageGroupUpdate, wire.GroupUpdate{GroupID: "web", HealthState: "degraded"})
		writeFrame(t, w, wire.MessageHeartbeat, wire.Heartbeat{Time: testutil.At(60)})
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var updates []Update
	ctrl, store := newTestController(t, srv.URL, Options{
		Params: Params{Namespace: "ns", GroupBy: "app"},
		OnUpdate: func(u Update) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return ctrl.Stats().LastHeartbeat.Equal(testutil.At(60))
	}, waitFor, tick)

	assert.Equal(t, StateStreaming, ctrl.State())
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, storedIDs(store))

	g, ok := ctrl.Group("web")
	require.True(t, ok)
	assert.Equal(t, types.HealthDegraded, g.Health)
	assert.Equal(t, 3, g.EventCount)
	assert.True(t, g.LastEventAt.Equal(testutil.At(2)))
	assert.Equal(t, []types.LaneID{"Deployment/ns/web", "Pod/ns/web-1"}, g.LaneIDs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 4)
	assert.Equal(t, wire.MessageInitial, updates[0].Type)
	assert.Len(t, updates[0].Added, 2)
	assert.Equal(t, wire.MessageEvent, updates[1].Type)
	assert.Len(t, updates[1].Added, 1)
	assert.Empty(t, updates[2].Added)
	assert.Equal(t, wire.MessageGroupUpdate, updates[3].Type)
}

func TestController_ParseFailuresAreSkipped(t *testing.T) {
	good := testutil.Change("Pod", "ns", "p", types.OperationAdd, testutil.At(0))
	malformed := wire.FromEvent(testutil.Change("Pod", "ns", "q", types.OperationAdd, testutil.At(1)))
	malformed.Name = ""

	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		sseHeaders(w)
		writeFrame(t, w, wire.MessageInitial, initial())
		writeRaw(w, wire.MessageEvent, "{not json")
		writeFrame(t, w, wire.MessageEvent, wire.EventMessage{Event: malformed})
		writeFrame(t, w, wire.MessageEvent, wire.EventMessage{Event: wire.FromEvent(good)})
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zapcore.WarnLevel)
	ctrl, store := newTestController(t, srv.URL, Options{Logger: zap.New(core)})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool { return store.Contains(good.ID) }, waitFor, tick)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, StateStreaming, ctrl.State())
	assert.Equal(t, int32(1), conns.Load(), "parse failures must not close the connection")
	assert.Equal(t, 2, logs.FilterMessage("Skipping undecodable stream message").Len())
}

func TestController_ReconnectReconciles(t *testing.T) {
	a := testutil.Change("Pod", "ns", "a", types.OperationAdd, testutil.At(0))
	b := testutil.Change("Pod", "ns", "b", types.OperationAdd, testutil.At(1))
	missed := testutil.Change("Pod", "ns", "missed", types.OperationAdd, testutil.At(2))

	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)
		if n == 1 {
			writeFrame(t, w, wire.MessageInitial, initial(a, b))
			return // simulated drop
		}
		writeFrame(t, w, wire.MessageInitial, initial(b, missed))
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	errs := make(chan error, 16)
	ctrl, store := newTestController(t, srv.URL, Options{
		OnStateChange: func(s State, err error) {
			if s == StateError {
				select {
				case errs <- err:
				default:
				}
			}
		},
	})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return conns.Load() >= 2 && store.Contains(missed.ID)
	}, waitFor, tick)
	assert.Equal(t, []string{b.ID, missed.ID}, storedIDs(store))
	assert.False(t, store.Contains(a.ID), "stale entries must be dropped by the new snapshot")
	assert.Equal(t, StateStreaming, ctrl.State())
	assert.GreaterOrEqual(t, ctrl.Stats().Reconnects, uint64(1))

	select {
	case err := <-errs:
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.ErrorIs(t, connErr, errUnexpectedClose)
		assert.Equal(t, 1, connErr.Attempt)
	default:
		t.Fatal("expected an error state transition")
	}
}

func TestController_ServerErrorIsRecoverable(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		sseHeaders(w)
		writeFrame(t, w, wire.MessageInitial, initial())
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctrl, _ := newTestController(t, srv.URL, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool { return ctrl.State() == StateStreaming }, waitFor, tick)
	stats := ctrl.Stats()
	assert.Equal(t, uint64(2), stats.Reconnects)
	var connErr *ConnectionError
	require.ErrorAs(t, stats.LastError, &connErr)
	assert.Equal(t, 2, connErr.Attempt)
	assert.Contains(t, connErr.Error(), "503")
}

func TestController_SetParamsReplacesConnection(t *testing.T) {
	var active atomic.Int32
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active.Add(1)
		defer active.Add(-1)
		ns := r.URL.Query().Get("namespace")
		mu.Lock()
		seen = append(seen, ns)
		mu.Unlock()

		sseHeaders(w)
		ev := testutil.Change("Pod", ns, "p", types.OperationAdd, testutil.At(0))
		writeFrame(t, w, wire.MessageInitial, initial(ev))
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctrl, store := newTestController(t, srv.URL, Options{Params: Params{Namespace: "one"}})
	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return ctrl.State() == StateStreaming }, waitFor, tick)

	// Same params: nothing happens.
	require.NoError(t, ctrl.SetParams(Params{Namespace: "one"}))

	require.NoError(t, ctrl.SetParams(Params{Namespace: "two"}))
	assert.Equal(t, Params{Namespace: "two"}, ctrl.Params())
	require.Eventually(t, func() bool {
		snap := store.Snapshot()
		return len(snap) == 1 && snap[0].Resource.Namespace == "two"
	}, waitFor, tick)
	require.Eventually(t, func() bool { return active.Load() == 1 }, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, seen)
	mu.Unlock()
}

func TestController_CloseIsIdempotent(t *testing.T) {
	var active atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active.Add(1)
		defer active.Add(-1)
		sseHeaders(w)
		writeFrame(t, w, wire.MessageInitial, initial())
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctrl, _ := newTestController(t, srv.URL, Options{})
	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return ctrl.State() == StateStreaming }, waitFor, tick)

	require.NoError(t, ctrl.Close())
	require.NoError(t, ctrl.Close())
	assert.Equal(t, StateClosed, ctrl.State())
	require.Eventually(t, func() bool { return active.Load() == 0 }, waitFor, tick)

	assert.ErrorIs(t, ctrl.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, ctrl.SetParams(Params{Namespace: "x"}), ErrClosed)
}

func TestController_CloseCancelsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	ctrl, _ := newTestController(t, srv.URL, Options{
		ReconnectInterval:    time.Hour,
		MaxReconnectInterval: time.Hour,
	})
	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return ctrl.State() == StateError }, waitFor, tick)

	done := make(chan struct{})
	go func() {
		_ = ctrl.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on the reconnect backoff")
	}
}

func TestController_IdleTimeoutReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		sseHeaders(w)
		writeFrame(t, w, wire.MessageInitial, initial())
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctrl, _ := newTestController(t, srv.URL, Options{IdleTimeout: 30 * time.Millisecond})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, waitFor, tick)
	var connErr *ConnectionError
	require.Eventually(t, func() bool {
		return errors.As(ctrl.Stats().LastError, &connErr)
	}, waitFor, tick)
	assert.ErrorIs(t, connErr, errIdle)
}

func TestNextReconnectInterval(t *testing.T) {
	c := &Controller{opts: Options{MaxReconnectInterval: 5 * time.Second}}
	assert.Equal(t, 2*time.Second, c.nextReconnectInterval(time.Second))
	assert.Equal(t, 4*time.Second, c.nextReconnectInterval(2*time.Second))
	assert.Equal(t, 5*time.Second, c.nextReconnectInterval(4*time.Second))
	assert.Equal(t, 5*time.Second, c.nextReconnectInterval(5*time.Second))
}

func TestFrameReader(t *testing.T) {
	body := strings.Join([]string{
		": comment",
		"event: initial",
		"data: {\"a\":",
		"data: 1}",
		"",
		"",
		"id: 7",
		"data: plain\r",
		"\r",
		"event: heartbeat",
		"data: x",
	}, "\n")
	fr := newFrameReader(strings.NewReader(body))

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "initial", Data: "{\"a\":\n1}"}, f)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "message", Data: "plain", ID: "7"}, f)

	_, err = fr.Next()
	assert.Error(t, err, "unterminated frame at EOF is discarded")
}

func TestParams(t *testing.T) {
	assert.Equal(t, "", Params{}.query().Encode())
	assert.Equal(t, "filter=warnings&group_by=namespace&namespace=ns",
		Params{Namespace: "ns", GroupBy: "namespace", Filter: "warnings"}.query().Encode())

	c := &Controller{}
	var err error
	c.endpoint, err = wire.ParseEndpoint("http://example.test/base/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/base/api/v1/stream?namespace=ns", c.streamURL(Params{Namespace: "ns"}))
}
