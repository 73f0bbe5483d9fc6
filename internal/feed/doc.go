// Package feed follows the timberline live stream and keeps a view's event
// store in sync with it.
//
// # Overview
//
// The Controller holds one server-sent-events connection to the stream
// endpoint, scoped by namespace, grouping mode and filter preset. Messages
// are handled one at a time on the connection goroutine, so the store never
// observes a torn batch:
//
//   - initial replaces the store contents and the cached group summaries
//   - event ingests one event and merges it into its group, if any
//   - group_update sets the health of one cached group
//   - heartbeat only proves the connection is alive
//
// # Usage
//
//	store := eventstore.New(eventstore.Options{Window: time.Hour})
//	c, err := feed.NewController(feed.Options{
//	    Endpoint: "http://timberline.observability.svc:8080",
//	    Params:   feed.Params{Namespace: "shop", GroupBy: "app"},
//	    Store:    store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
// # Reconnection
//
// Transport errors and unexpected closes move the controller to StateError
// and schedule a reconnect with exponential backoff. The next initial message
// is authoritative and replaces whatever the store held. A missing or
// unparseable endpoint is the only fatal condition: NewController returns
// ErrNoEndpoint and nothing is retried.
//
// # Metrics
//
//   - timberline_feed_connected (gauge): 1 while streaming
//   - timberline_feed_reconnects_total (counter)
//   - timberline_feed_messages_total (counter, labels: type)
//   - timberline_feed_decode_errors_total (counter)
package feed
