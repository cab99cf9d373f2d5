// Package metrics exposes book-sync health counters for Prometheus.
//
// Every Metrics value owns a private registry so several engines (and
// parallel tests) never collide on the default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookwatch"

// Metrics groups the collectors updated by the engine.
type Metrics struct {
	reg *prometheus.Registry

	StaleDrops       *prometheus.CounterVec // by callback kind
	ProtocolErrors   prometheus.Counter
	UnknownEvents    *prometheus.CounterVec // by event_type
	UnknownAssets    prometheus.Counter
	Reconnects       prometheus.Counter
	SnapshotFailures prometheus.Counter
	BookUpdates      *prometheus.CounterVec // by token
	LastTrades       prometheus.Counter
	State            prometheus.Gauge // supervisor state as an integer
	BackoffSeconds   prometheus.Gauge
	Published        prometheus.Counter
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		StaleDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_callbacks_total",
			Help: "Callbacks dropped because their session generation was no longer current",
		}, []string{"callback"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total",
			Help: "Malformed frames or deltas that were skipped",
		}),
		UnknownEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unknown_events_total",
			Help: "Stream events with an unrecognized event_type",
		}, []string{"event_type"}),
		UnknownAssets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unknown_asset_events_total",
			Help: "Stream events for tokens outside the watch set",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Connect attempts started from backoff",
		}),
		SnapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_failures_total",
			Help: "REST book snapshots that failed",
		}),
		BookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "book_updates_total",
			Help: "Applied book changes per outcome token",
		}, []string{"token"}),
		LastTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "last_trades_total",
			Help: "last_trade_price events seen for watched tokens",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "supervisor_state",
			Help: "0 idle, 1 connecting, 2 live, 3 backoff",
		}),
		BackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backoff_seconds",
			Help: "Delay before the next reconnect attempt",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_writes_total",
			Help: "Top-of-book writes sent to Redis",
		}),
	}

	m.reg.MustRegister(
		m.StaleDrops, m.ProtocolErrors, m.UnknownEvents, m.UnknownAssets,
		m.Reconnects, m.SnapshotFailures, m.BookUpdates, m.LastTrades,
		m.State, m.BackoffSeconds, m.Published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
