// Package metrics provides Prometheus instrumentation for the realtime
// gateway. It exposes gauges for connection and presence counts, counters
// for event fan-out and delivery drops, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of users with at least one
	// live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "Current number of online users",
	})

	// EventsPublished counts broadcast events by event name.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of events published to channels",
	}, []string{"event"})

	// DeliveriesDropped counts per-connection deliveries lost to a full
	// outbound queue or a mid-teardown connection. These are invisible to
	// the sender; gap recovery compensates.
	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_deliveries_dropped_total",
		Help: "Total number of per-connection event deliveries dropped",
	})

	// PersistenceFailures counts verbs that failed at the durability write
	// (and therefore issued no broadcast).
	PersistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_persistence_failures_total",
		Help: "Total number of verbs failed at the persistence write",
	})

	// FanoutLatency records time to enqueue one published event to all
	// channel members.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_fanout_latency_seconds",
		Help:    "Time to fan one published event out to all channel members",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsPublished,
		DeliveriesDropped,
		PersistenceFailures,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
