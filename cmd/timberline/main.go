// timberline watches a Kubernetes cluster and serves its change timeline.
//
// Usage:
//
//	timberline --config /etc/timberline/config.yaml
//	timberline --kubeconfig ~/.kube/config --namespace shop --addr :9090
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/timberline-dev/timberline/internal/collector"
	"github.com/timberline-dev/timberline/internal/config"
	"github.com/timberline-dev/timberline/internal/logging"
	"github.com/timberline-dev/timberline/internal/server"
	"github.com/timberline-dev/timberline/internal/topology"
)

var version = "dev"

type flags struct {
	configPath string
	kubeconfig string
	addr       string
	namespaces []string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "timberline",
		Short: "Serve a live timeline of cluster changes",
		Long: `timberline watches workloads, pods, services and events in a Kubernetes
cluster and serves them as a timeline over HTTP and server-sent events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f.kubeconfig)
		},
	}

	bindFlags(cmd, &f)
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to the YAML configuration file.")
	cmd.Flags().StringVar(&f.kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Defaults to in-cluster config, then the standard loading rules.")
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address. Overrides server.addr.")
	cmd.Flags().StringSliceVarP(&f.namespaces, "namespace", "n", nil, "Namespaces to watch. Overrides collector.namespaces.")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level. Overrides logging.level.")
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if cmd.Flags().Changed("namespace") {
		cfg.Collector.Namespaces = f.namespaces
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// restConfig prefers an explicit kubeconfig, then in-cluster credentials,
// then the default loading rules.
func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func run(ctx context.Context, cfg *config.Config, kubeconfig string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Starting timberline",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("namespaces", cfg.Collector.Namespaces),
		zap.Duration("window", cfg.Server.Window.Duration),
	)

	restCfg, err := restConfig(kubeconfig)
	if err != nil {
		return fmt.Errorf("kubernetes config: %w", err)
	}
	restCfg.UserAgent = "timberline/" + version
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("kubernetes client: %w", err)
	}

	graph := topology.New(logger)

	var coll *collector.Collector
	srv := server.New(server.Options{
		Addr:              cfg.Server.Addr,
		Window:            cfg.Server.Window.Duration,
		MaxEvents:         cfg.Server.MaxEvents,
		StreamBuffer:      cfg.Server.StreamBuffer,
		HeartbeatInterval: cfg.Server.HeartbeatInterval.Duration,
		Topology:          graph,
		Ready:             func() bool { return coll.HasSynced() },
		Logger:            logger,
	})

	collOpts := collector.DefaultOptions()
	if len(cfg.Collector.Kinds) > 0 {
		collOpts.Kinds = cfg.Collector.Kinds
	}
	collOpts.Namespaces = cfg.Collector.Namespaces
	collOpts.RateLimit = cfg.Collector.RateLimit
	collOpts.RateBurst = cfg.Collector.RateBurst
	collOpts.Resync = cfg.Collector.Resync.Duration
	collOpts.Sink = srv
	collOpts.Observers = []collector.Observer{graph}
	collOpts.Logger = logger
	coll, err = collector.New(clientset, collOpts)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coll.Start(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	if err := g.Wait(); err != nil {
		logger.Error("timberline stopped", zap.Error(err))
		return err
	}
	logger.Info("timberline stopped")
	return nil
}
