package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/timberline-dev/timberline/internal/apiclient"
)

func eventsCmd() *cobra.Command {
	var (
		kind           string
		since          time.Duration
		limit          int
		includeEvents  bool
		includeManaged bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List timeline events",
		Long: `List the events the server currently retains, oldest first.

Examples:
  timberlinectl events -n shop
  timberlinectl events --kind Deployment --since 30m
  timberlinectl events --filter warnings -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync() //nolint:errcheck

			client, err := apiclient.New(apiclient.Options{
				Endpoint: cfg.Feed.Endpoint,
				Timeout:  cfg.Feed.Timeout.Duration,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			q := apiclient.EventQuery{
				Namespace:        cfg.Feed.Namespace,
				Kind:             kind,
				Filter:           cfg.Feed.Filter,
				IncludeK8sEvents: cfg.View.IncludeK8sEvents,
				IncludeManaged:   cfg.View.IncludeManaged,
				Limit:            cfg.View.Limit,
			}
			if cmd.Flags().Changed("include-k8s-events") {
				q.IncludeK8sEvents = includeEvents
			}
			if cmd.Flags().Changed("include-managed") {
				q.IncludeManaged = includeManaged
			}
			if cmd.Flags().Changed("limit") {
				q.Limit = limit
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			events, err := client.ListEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), buildEventsResult(cfg.Feed.Namespace, events), outputFmt)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only events whose lane is of this kind")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this, e.g. 15m")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events, newest kept")
	cmd.Flags().BoolVar(&includeEvents, "include-k8s-events", true, "Include Kubernetes Event objects")
	cmd.Flags().BoolVar(&includeManaged, "include-managed", false, "Include routine updates of controller-owned resources")

	return cmd
}
