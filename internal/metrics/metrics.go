// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keel"

var (
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs by source and outcome (completed, skipped, failed).",
	}, []string{"source", "status"})

	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Duration of sync runs that acquired the lease.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"source"})

	SyncConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "consecutive_failures",
		Help:      "Current failure streak per source.",
	}, []string{"source"})

	PullRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connector",
		Name:      "requests_total",
		Help:      "Source page requests by result (ok, transient, permanent, empty).",
	}, []string{"source", "result"})

	RecordsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upsert",
		Name:      "records_total",
		Help:      "Records applied to the replica by outcome (inserted, updated, unchanged).",
	}, []string{"table", "outcome"})

	DriftDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verify",
		Name:      "drift_detected_total",
		Help:      "Consistency checks that found drift.",
	}, []string{"table"})

	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "propagation",
		Name:      "dispatches_total",
		Help:      "Delivery attempts by outcome (completed, failed, parked, dead_letter, expired).",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "propagation",
		Name:      "queue_depth",
		Help:      "Memory sync records by status.",
	}, []string{"status"})

	SweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "retention",
		Name:      "deleted_total",
		Help:      "Rows deleted by the retention sweeper by kind.",
	}, []string{"kind"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Operations API requests by route pattern and status code.",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Operations API latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
