// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the landing
// service: API request counters, job state-transition counters, landing
// duration histograms, and repository lease gauges.
//
// Metrics are exposed on /metrics. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all landing metrics.
const metricsNamespace = "autoland"

// LandingMetrics holds the Prometheus metrics for the landing service.
type LandingMetrics struct {
	// RequestsTotal counts API requests by route and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures API request latency by route.
	RequestDurationSeconds *prometheus.HistogramVec

	// JobTransitionsTotal counts landing job state transitions.
	// Labels: from, to.
	JobTransitionsTotal *prometheus.CounterVec

	// LandingDurationSeconds measures time from job submission to
	// LANDED, by repository.
	LandingDurationSeconds *prometheus.HistogramVec

	// LeasesHeld tracks repository leases currently held by workers.
	LeasesHeld *prometheus.GaugeVec
}

// DefaultMetrics is the singleton instance, set by Init.
var DefaultMetrics *LandingMetrics

var initOnce sync.Once

// Init registers the landing metrics on the default registry. Safe to
// call more than once; registration happens only the first time.
func Init() *LandingMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &LandingMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "requests_total",
					Help:      "Total API requests by route and status code",
				},
				[]string{"route", "status"},
			),

			RequestDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Name:      "request_duration_seconds",
					Help:      "API request latency by route",
					Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10.0},
				},
				[]string{"route"},
			),

			JobTransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "job_transitions_total",
					Help:      "Landing job state transitions",
				},
				[]string{"from", "to"},
			),

			LandingDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Name:      "landing_duration_seconds",
					Help:      "Time from job submission to landed, by repository",
					Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
				},
				[]string{"repository"},
			),

			LeasesHeld: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Name:      "leases_held",
					Help:      "Repository leases currently held by this process",
				},
				[]string{"repository"},
			),
		}
	})
	return DefaultMetrics
}

// ObserveTransition records a job state transition on the default
// metrics. A nil default (metrics never initialized) is a no-op so the
// worker can run without the metrics endpoint.
func ObserveTransition(from, to string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.JobTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveLanding records a completed landing's duration.
func ObserveLanding(repository string, d time.Duration) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.LandingDurationSeconds.WithLabelValues(repository).Observe(d.Seconds())
}

// LeaseHeld marks a repository lease as held or released.
func LeaseHeld(repository string, held bool) {
	if DefaultMetrics == nil {
		return
	}
	v := 0.0
	if held {
		v = 1.0
	}
	DefaultMetrics.LeasesHeld.WithLabelValues(repository).Set(v)
}

// Middleware returns a gin middleware that records request counts and
// latency per route template.
func (m *LandingMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
