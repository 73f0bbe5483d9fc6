package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timberline_feed_connected",
			Help: "1 while the live feed is streaming, 0 otherwise.",
		},
	)
	feedReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timberline_feed_reconnects_total",
			Help: "Total live feed reconnection attempts.",
		},
	)
	feedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timberline_feed_messages_total",
			Help: "Total live feed messages received by type.",
		},
		[]string{"type"},
	)
	feedDecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timberline_feed_decode_errors_total",
			Help: "Total live feed messages or entries dropped because they could not be decoded.",
		},
	)
)
