// Package metrics exposes the core's prometheus instruments. The default
// registry is used; the app serves it via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts orchestrator calls by operation and outcome
	// (ok, validation, concurrency, internal).
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "chat",
		Name:      "operations_total",
		Help:      "Orchestrator operations by outcome.",
	}, []string{"op", "outcome"})

	// QueueDepth tracks the number of durable writes waiting in the
	// write-behind queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "persist",
		Name:      "queue_depth",
		Help:      "Durable writes currently queued.",
	})

	// SyncFallbacks counts writes executed on the submitting goroutine
	// because the queue was saturated.
	SyncFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "persist",
		Name:      "sync_fallbacks_total",
		Help:      "Durable writes executed synchronously due to queue saturation.",
	})

	// WriteFailures counts durable writes that failed after the cache
	// mutation already succeeded (accepted drift, reconciled downstream).
	WriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "persist",
		Name:      "write_failures_total",
		Help:      "Durable writes that failed post-mutation.",
	})
)
