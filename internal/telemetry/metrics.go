/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Slot metrics
var (
	// AdLoadsTotal counts completed load attempts by result
	// (success, failure, timeout, stale).
	AdLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_loads_total",
			Help: "Total number of interstitial load attempts by result",
		},
		[]string{"result"},
	)

	// AdLoadDuration tracks how long the provider took to answer a load.
	AdLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adslot_load_duration_seconds",
			Help:    "Duration of interstitial load attempts in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	// AdShowsTotal counts show decisions and outcomes by result
	// (shown, dismissed, display_failed, gate_rejected, not_ready, premium, closed).
	AdShowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_shows_total",
			Help: "Total number of show requests and outcomes by result",
		},
		[]string{"result"},
	)

	// AdRetriesExhaustedTotal counts how often the retry budget ran out.
	AdRetriesExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adslot_retries_exhausted_total",
			Help: "Total number of times the slot gave up after exhausting retries",
		},
	)

	// AdSlotState is 1 for the slot's current state and 0 for the others.
	AdSlotState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adslot_slot_state",
			Help: "Current interstitial slot state (1 = active)",
		},
		[]string{"state"},
	)

	// AdRetryCount mirrors the slot's consecutive failure count.
	AdRetryCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_retry_count",
			Help: "Consecutive load failures since the last success",
		},
	)

	// AdPremiumActive is 1 while the premium bypass is on.
	AdPremiumActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_premium_active",
			Help: "Premium bypass status (1 = active)",
		},
	)

	// AdStoreErrorsTotal counts persistence failures for the frequency gate.
	AdStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_store_errors_total",
			Help: "Total number of gate store errors by operation",
		},
		[]string{"operation"},
	)
)

// Bridge and API metrics
var (
	// BridgeClientsConnected is 1 while a presenter client is attached.
	BridgeClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_bridge_clients_connected",
			Help: "Number of connected presenter bridge clients",
		},
	)

	// APIRequestDuration tracks HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adslot_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_api_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_api_active_connections",
			Help: "Number of in-flight HTTP requests",
		},
	)

	// APIWebSocketConnections counts open event stream websockets.
	APIWebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_api_websocket_connections",
			Help: "Number of open event stream websocket connections",
		},
	)

	// EventBusFallbackActive is 1 while a distributed bus runs on its in-memory fallback.
	EventBusFallbackActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adslot_eventbus_fallback_active",
			Help: "Distributed event bus fallback status (1 = in-memory fallback)",
		},
		[]string{"backend"},
	)
)

// Database metrics
var (
	// DatabaseQueryDuration tracks gate store query latency.
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adslot_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "table"},
	)

	// DatabaseErrorsTotal counts failed database operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adslot_db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation", "table"},
	)

	// DatabaseConnectionsOpen mirrors the pool's open connection count.
	DatabaseConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adslot_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// SetSlotState marks state as the only active slot state.
func SetSlotState(state string, all []string) {
	for _, s := range all {
		if s == state {
			AdSlotState.WithLabelValues(s).Set(1)
			continue
		}
		AdSlotState.WithLabelValues(s).Set(0)
	}
}

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
