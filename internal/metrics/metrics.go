// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the run engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_runs_started_total",
			Help: "Total runs started by execution mode",
		},
		[]string{"mode"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_runs_completed_total",
			Help: "Total runs reaching a terminal state by mode and status",
		},
		[]string{"mode", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runway_run_duration_seconds",
			Help:    "Wall-clock run duration from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_queue_depth",
			Help: "Background jobs published but not yet processed by this process",
		},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	cleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_cleanup_deleted_total",
			Help: "Rows removed or reaped by the cleanup sweep, by entity",
		},
		[]string{"entity"},
	)
)

// RecordRunStart increments the started counter for a mode.
func RecordRunStart(mode string) {
	runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunComplete records a terminal state and its duration.
func RecordRunComplete(mode, status string, seconds float64) {
	runsCompleted.WithLabelValues(mode, status).Inc()
	runDuration.WithLabelValues(mode).Observe(seconds)
}

// IncQueueDepth increments the local queue depth gauge.
func IncQueueDepth() { queueDepth.Inc() }

// DecQueueDepth decrements the local queue depth gauge.
func DecQueueDepth() { queueDepth.Dec() }

// RecordWebhookDelivery records a delivery attempt outcome ("ok" or "failed").
func RecordWebhookDelivery(outcome string) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordCleanup records rows removed per entity
// ("runs", "executions", "stale_executions").
func RecordCleanup(entity string, count float64) {
	cleanupDeleted.WithLabelValues(entity).Add(count)
}
