package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	collectorEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timberline_collector_events_total",
			Help: "Events published by the collector, by source",
		},
		[]string{"source"},
	)
	collectorRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timberline_collector_rate_limited_total",
			Help: "Live events dropped by the collector rate limiter",
		},
	)
)
