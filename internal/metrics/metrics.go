// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

var (
	// TransportActive is 1 for each realtime transport currently delivering events.
	TransportActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "transport_active",
		Help:      "Realtime transports currently delivering events (mode=push|poll).",
	}, []string{"mode"})

	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "push_reconnects_total",
		Help:      "Successful push (WebSocket) connections after the first one.",
	})

	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "poll_cycles_total",
		Help:      "Poll fallback cycles by result.",
	}, []string{"result"})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Inbound realtime events by type and source.",
	}, []string{"type", "source"})

	// Reconciled counts how inbound and confirmed messages were merged into a timeline.
	Reconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timeline",
		Name:      "reconciled_total",
		Help:      "Timeline merges by match path.",
	}, []string{"path"})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "timeline",
		Name:      "send_failures_total",
		Help:      "Optimistic sends that ended in the failed state.",
	})

	HistoryFetch = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "timeline",
		Name:      "history_fetch_seconds",
		Help:      "History page fetch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "handler_panics_total",
		Help:      "Panics recovered in gateway handlers.",
	})
)
