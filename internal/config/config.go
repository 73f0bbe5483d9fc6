// Package config loads the timberline configuration file.
//
// The file is YAML. Every field is optional; values missing from the file
// keep their defaults. Durations use Go syntax ("30s", "5m").
//
//	server:
//	  addr: ":8080"
//	  window: 1h
//	collector:
//	  namespaces: [shop, payments]
//	  rateLimit: 100
//	feed:
//	  endpoint: http://timberline.monitoring.svc:8080
//	  groupBy: namespace
//	logging:
//	  level: debug
//	  file: /var/log/timberline/timberline.log
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/timberline-dev/timberline/internal/server"
	"github.com/timberline-dev/timberline/internal/wire"
)

// Config is the complete configuration of the server and the CLI.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Collector CollectorConfig `json:"collector"`
	Feed      FeedConfig      `json:"feed"`
	View      ViewConfig      `json:"view"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr              string          `json:"addr"`
	Window            metav1.Duration `json:"window"`
	MaxEvents         int             `json:"maxEvents"`
	StreamBuffer      int             `json:"streamBuffer"`
	HeartbeatInterval metav1.Duration `json:"heartbeatInterval"`
}

// CollectorConfig configures the cluster collector.
type CollectorConfig struct {
	// Namespaces restricts collection. Empty collects everywhere.
	Namespaces []string `json:"namespaces,omitempty"`
	// Kinds overrides the watched kinds.
	Kinds     []string        `json:"kinds,omitempty"`
	RateLimit float64         `json:"rateLimit"`
	RateBurst int             `json:"rateBurst"`
	Resync    metav1.Duration `json:"resync"`
}

// FeedConfig configures how the CLI reaches the server.
type FeedConfig struct {
	Endpoint             string          `json:"endpoint"`
	Timeout              metav1.Duration `json:"timeout"`
	ReconnectInterval    metav1.Duration `json:"reconnectInterval"`
	MaxReconnectInterval metav1.Duration `json:"maxReconnectInterval"`
	IdleTimeout          metav1.Duration `json:"idleTimeout"`
	Namespace            string          `json:"namespace,omitempty"`
	GroupBy              string          `json:"groupBy,omitempty"`
	Filter               string          `json:"filter,omitempty"`
}

// ViewConfig configures a CLI viewing session.
type ViewConfig struct {
	Window           metav1.Duration `json:"window"`
	ShowRoutine      bool            `json:"showRoutine"`
	IncludeK8sEvents bool            `json:"includeK8sEvents"`
	IncludeManaged   bool            `json:"includeManaged"`
	Limit            int             `json:"limit"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	// File enables rotated file output in addition to stderr.
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

func duration(d time.Duration) metav1.Duration {
	return metav1.Duration{Duration: d}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			Window:            duration(time.Hour),
			MaxEvents:         1000,
			StreamBuffer:      256,
			HeartbeatInterval: duration(15 * time.Second),
		},
		Collector: CollectorConfig{
			RateLimit: 100,
			RateBurst: 200,
		},
		Feed: FeedConfig{
			Endpoint:             "http://localhost:8080",
			Timeout:              duration(10 * time.Second),
			ReconnectInterval:    duration(time.Second),
			MaxReconnectInterval: duration(time.Minute),
			IdleTimeout:          duration(time.Minute),
		},
		View: ViewConfig{
			Window:           duration(time.Hour),
			IncludeK8sEvents: true,
			Limit:            500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.Window.Duration > 0, "server.window must be positive")
	check(c.Server.MaxEvents > 0, "server.maxEvents must be positive")
	check(c.Server.StreamBuffer > 0, "server.streamBuffer must be positive")
	check(c.Server.HeartbeatInterval.Duration > 0, "server.heartbeatInterval must be positive")

	check(c.Collector.RateLimit > 0, "collector.rateLimit must be positive")
	check(c.Collector.RateBurst > 0, "collector.rateBurst must be positive")
	check(c.Collector.Resync.Duration >= 0, "collector.resync must not be negative")

	if c.Feed.Endpoint != "" {
		_, err := wire.ParseEndpoint(c.Feed.Endpoint)
		check(err == nil, "feed.endpoint: %v", err)
	}
	check(c.Feed.Timeout.Duration >= 0, "feed.timeout must not be negative")
	check(c.Feed.ReconnectInterval.Duration > 0, "feed.reconnectInterval must be positive")
	check(c.Feed.MaxReconnectInterval.Duration >= c.Feed.ReconnectInterval.Duration,
		"feed.maxReconnectInterval must be at least feed.reconnectInterval")
	check(c.Feed.IdleTimeout.Duration >= 0, "feed.idleTimeout must not be negative")
	if _, err := server.ParseGroupBy(c.Feed.GroupBy); err != nil {
		errs = append(errs, fmt.Errorf("feed.groupBy: %w", err))
	}
	if _, err := server.ParsePreset(c.Feed.Filter); err != nil {
		errs = append(errs, fmt.Errorf("feed.filter: %w", err))
	}

	check(c.View.Window.Duration >= 0, "view.window must not be negative")
	check(c.View.Limit >= 0, "view.limit must not be negative")

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	check(c.Logging.Format == "json" || c.Logging.Format == "console",
		"logging.format must be json or console, got %q", c.Logging.Format)
	check(c.Logging.MaxSizeMB >= 0, "logging.maxSizeMB must not be negative")

	return errors.Join(errs...)
}
