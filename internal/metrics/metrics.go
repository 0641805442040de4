// EdgeHome - Edge Cache Node for Distributed Image Delivery
// Copyright 2026 EdgeHome Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/veylan/edgehome

// Package metrics defines the Prometheus metrics exposed at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts requests served from cache, by tier.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgehome_cache_hits_total",
		Help: "Requests served from cache",
	}, []string{"tier"})

	// CacheMisses counts requests that went to the upstream origin.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgehome_cache_misses_total",
		Help: "Requests that missed the cache",
	})

	// CacheStoredBytes tracks the durable store size as of the last
	// consolidation pass.
	CacheStoredBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgehome_cache_stored_bytes",
		Help: "Total bytes in the durable cache store",
	})

	// CacheEvictedEntries counts entries removed by consolidation.
	CacheEvictedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgehome_cache_evicted_entries_total",
		Help: "Entries evicted from the durable store",
	})

	// WriteQueueDepth tracks pending write-behind operations.
	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgehome_cache_write_queue_depth",
		Help: "Pending write-behind operations",
	})

	// UpstreamRequests counts origin fetches by outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgehome_upstream_requests_total",
		Help: "Origin fetches by outcome",
	}, []string{"outcome"})

	// UpstreamDuration observes origin fetch latency.
	UpstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgehome_upstream_duration_seconds",
		Help:    "Origin fetch latency",
		Buckets: prometheus.DefBuckets,
	})

	// RequestsRejected counts admission rejections by gate.
	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgehome_requests_rejected_total",
		Help: "Requests rejected before cache lookup",
	}, []string{"gate"})

	// HTTPRequestDuration observes handler latency by method and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgehome_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	// HTTPActiveRequests tracks in-flight requests.
	HTTPActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgehome_http_active_requests",
		Help: "In-flight HTTP requests",
	})

	// HeartbeatFailures counts failed control-plane pings.
	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgehome_heartbeat_failures_total",
		Help: "Failed control server pings",
	})

	// ListenerRestarts counts TLS-driven listener restarts.
	ListenerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgehome_listener_restarts_total",
		Help: "Listener restarts triggered by certificate rotation",
	})
)

// RecordHTTPRequest records one completed request.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight gauge.
func TrackActiveRequest(start bool) {
	if start {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}
