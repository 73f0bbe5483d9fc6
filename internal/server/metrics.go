package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "timberline_stream_clients",
		Help: "Connected live feed clients",
	},
)
