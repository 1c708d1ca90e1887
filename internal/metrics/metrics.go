// Package metrics defines all Prometheus metrics for cidrd.
// All metrics use the "cidrd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cidrd"

// Allocation outcomes used as the "outcome" label.
const (
	OutcomeCommitted   = "committed"
	OutcomeConflict    = "conflict"
	OutcomeExhausted   = "exhausted"
	OutcomeNoSupernet  = "no_supernet"
	OutcomeBudgetSpent = "conflict_budget_exceeded"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// --- Allocation Metrics ---

var (
	// AllocationAttempts counts allocation attempts by outcome. A single request
	// may record several conflict attempts before it commits.
	AllocationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocation_attempts_total",
		Help:      "Total allocation attempts, by outcome.",
	}, []string{"outcome"})

	// AllocationDuration tracks end to end allocation latency.
	AllocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "allocation_duration_seconds",
		Help:      "Allocation duration in seconds, including retries.",
		Buckets:   prometheus.DefBuckets,
	})

	// Releases counts released allocations by lookup key.
	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "releases_total",
		Help:      "Total released allocations, by key (cidr, correlation_id).",
	}, []string{"key"})
)

// --- Pool Metrics ---

var (
	// PoolUtilization is the used percentage of each scope's pool.
	PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_utilization_percent",
		Help:      "Used percentage of the supernet pool.",
	}, []string{"region", "environment"})

	// PoolAddresses is the address count of each scope's pool, by state (total, free).
	PoolAddresses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_addresses",
		Help:      "Number of addresses in the supernet pool, by state.",
	}, []string{"region", "environment", "state"})

	// CapacityAlerts counts capacity alerts by delivery result.
	CapacityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_alerts_total",
		Help:      "Total capacity alerts, by sender and result.",
	}, []string{"sender", "result"})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP requests.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total HTTP requests, by method, route and status.",
	}, []string{"method", "route", "status"})

	// APIRequestDuration tracks HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"method", "route"})
)

// --- Server Metrics ---

var (
	// ServerInfo exposes build information.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build information.",
	}, []string{"version", "backend"})
)
