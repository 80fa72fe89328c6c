/*
File: metrics.go
Version: 1.0.0
Description: Prometheus collectors for the filtering pipeline. Exposed on /metrics.
*/

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "classifications_total",
		Help:      "URL classifier outcomes by result.",
	}, []string{"result"})

	metricInferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trackfilter",
		Name:      "inference_seconds",
		Help:      "Time spent in model inference.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	metricContentDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "content_decisions_total",
		Help:      "Response body decisions by outcome.",
	}, []string{"decision"})

	metricRequestDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "request_decisions_total",
		Help:      "Request-phase decisions by resolver reason.",
	}, []string{"reason"})

	metricBlacklistEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackfilter",
		Name:      "blacklist_entries",
		Help:      "Entries in the installed content-hash blacklist.",
	})

	metricBlacklistRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "blacklist_refresh_total",
		Help:      "Blacklist refresh attempts by outcome.",
	}, []string{"outcome"})

	metricTrackedTabs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackfilter",
		Name:      "tracked_pages",
		Help:      "Pages with a live context.",
	})

	metricStatsFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "stats_flushes_total",
		Help:      "Stats generations summarised, by late-report policy.",
	}, []string{"policy"})

	metricStatsLateReports = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "stats_late_reports_total",
		Help:      "Reports merged into a sealed generation.",
	})

	metricStatsSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "stats_submissions_total",
		Help:      "Summary submissions by result.",
	}, []string{"result"})

	metricWorkerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trackfilter",
		Name:      "worker_fail_open_total",
		Help:      "Work items that failed open because no worker slot was available in time.",
	})
)
