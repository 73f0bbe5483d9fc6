package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/timberline-dev/timberline/internal/apiclient"
	"github.com/timberline-dev/timberline/internal/config"
	"github.com/timberline-dev/timberline/internal/feed"
	"github.com/timberline-dev/timberline/internal/view"
)

// newView builds a view scoped by cfg. Live updates are enabled when live
// is true.
func newView(cfg *config.Config, logger *zap.Logger, live bool, onPublish func(*view.Snapshot)) (*view.View, error) {
	client, err := apiclient.New(apiclient.Options{
		Endpoint: cfg.Feed.Endpoint,
		Timeout:  cfg.Feed.Timeout.Duration,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	opts := view.Options{
		Source: client,
		Query: apiclient.EventQuery{
			Namespace:        cfg.Feed.Namespace,
			Filter:           cfg.Feed.Filter,
			IncludeK8sEvents: cfg.View.IncludeK8sEvents,
			IncludeManaged:   cfg.View.IncludeManaged,
			Limit:            cfg.View.Limit,
		},
		GroupBy:     cfg.Feed.GroupBy,
		Window:      cfg.View.Window.Duration,
		ShowRoutine: cfg.View.ShowRoutine,
		Logger:      logger,
		OnPublish:   onPublish,
	}
	if live {
		fo := feed.DefaultOptions()
		fo.Endpoint = cfg.Feed.Endpoint
		fo.ReconnectInterval = cfg.Feed.ReconnectInterval.Duration
		fo.MaxReconnectInterval = cfg.Feed.MaxReconnectInterval.Duration
		fo.IdleTimeout = cfg.Feed.IdleTimeout.Duration
		fo.Logger = logger
		opts.Feed = fo
	}
	return view.New(opts)
}

func lanesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "Show events grouped into resource lanes",
		Long: `Show the timeline as a forest of lanes. Each lane is one resource; owned
resources are nested under their owner. Root lanes are ordered by how much
attention they need.

Examples:
  timberlinectl lanes -n shop
  timberlinectl lanes --show-routine -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync() //nolint:errcheck

			v, err := newView(cfg, logger, false, nil)
			if err != nil {
				return err
			}
			defer v.Close()

			if err := v.Refresh(cmd.Context()); err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), buildLanesResult(cfg.Feed.Namespace, v.Current()), outputFmt)
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the live timeline",
		Long: `Follow the server's live stream and print the lanes every time the view
changes. Press Ctrl-C to stop.

Examples:
  timberlinectl watch -n shop
  timberlinectl watch --group-by app --filter warnings -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printer := &snapshotPrinter{w: cmd.OutOrStdout(), format: outputFmt, namespace: cfg.Feed.Namespace}
			v, err := newView(cfg, logger, true, printer.print)
			if err != nil {
				return err
			}
			defer v.Close()

			if err := v.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

// snapshotPrinter writes every published snapshot that carries new content.
type snapshotPrinter struct {
	w         io.Writer
	format    string
	namespace string

	mu       sync.Mutex
	lastSize int
	lastFeed feed.State
	printed  bool
}

func (p *snapshotPrinter) print(snap *view.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The view publishes an empty snapshot before the first message.
	if !p.printed && snap.Events == 0 {
		return
	}
	if p.printed && snap.Events == p.lastSize && snap.FeedState == p.lastFeed {
		return
	}
	p.printed = true
	p.lastSize = snap.Events
	p.lastFeed = snap.FeedState

	result := buildLanesResult(p.namespace, snap)
	if p.format == "table" {
		fmt.Fprintf(p.w, "--- %s  feed=%s  events=%d  hidden=%d\n",
			snap.BuiltAt.Format("15:04:05"), snap.FeedState, snap.Events, snap.Hidden)
	}
	if err := outputResult(p.w, result, p.format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}
