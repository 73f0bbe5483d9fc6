// timberlinectl reads the timeline served by timberline.
//
// Usage:
//
//	timberlinectl events -n shop --since 15m
//	timberlinectl lanes -n shop --show-routine
//	timberlinectl watch -n shop --group-by app
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/timberline-dev/timberline/internal/config"
	"github.com/timberline-dev/timberline/internal/logging"
)

var (
	version = "dev"

	outputFmt   string
	configPath  string
	serverURL   string
	namespace   string
	filter      string
	groupBy     string
	showRoutine bool
	logLevel    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "timberlinectl",
		Short: "Inspect the cluster change timeline",
		Long: `timberlinectl reads events from a timberline server and shows them as a
list, as a forest of resource lanes, or as a live view that follows the
server's stream.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	pf.StringVar(&configPath, "config", "", "Path to the YAML configuration file.")
	pf.StringVarP(&serverURL, "server", "s", "", "timberline server URL. Overrides feed.endpoint.")
	pf.StringVarP(&namespace, "namespace", "n", "", "Namespace to show. Empty shows all.")
	pf.StringVar(&filter, "filter", "", "Filter preset: default, all, warnings, workloads.")
	pf.StringVar(&groupBy, "group-by", "", "Grouping for the live feed: none, namespace, app, label.")
	pf.BoolVar(&showRoutine, "show-routine", false, "Show routine events.")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level for diagnostics on stderr.")

	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(lanesCmd())
	rootCmd.AddCommand(watchCmd())
	return rootCmd
}

// loadConfig reads the config file, if any, and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Feed.Endpoint = serverURL
	}
	if flags.Changed("namespace") {
		cfg.Feed.Namespace = namespace
	}
	if flags.Changed("filter") {
		cfg.Feed.Filter = filter
	}
	if flags.Changed("group-by") {
		cfg.Feed.GroupBy = groupBy
	}
	if flags.Changed("show-routine") {
		cfg.View.ShowRoutine = showRoutine
	}
	if flags.Changed("log-level") || configPath == "" {
		cfg.Logging.Level = logLevel
	}
	// Diagnostics share the terminal with command output.
	cfg.Logging.Format = "console"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
