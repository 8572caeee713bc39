// Package metrics provides Prometheus instrumentation for the key manager.
//
// Per-key series are labelled with redact.Fingerprint, never the key itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/abdhe/llm-key-manager/pkg/redact"
)

var (
	// KeysDispensedTotal counts keys handed out, by pool and key fingerprint.
	KeysDispensedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_keys_dispensed_total",
			Help: "Total number of keys handed out to callers.",
		},
		[]string{"pool", "key"},
	)

	// KeyFailuresTotal counts reported key failures.
	KeyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_key_failures_total",
			Help: "Total number of failures reported against a key.",
		},
		[]string{"pool", "key"},
	)

	// ExhaustedKeys is the number of keys at or over the failure threshold.
	ExhaustedKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_exhausted_keys",
			Help: "Number of keys whose failure count reached the threshold.",
		},
		[]string{"pool"},
	)

	// ExhaustedSelectionsTotal counts selections that found no usable key and
	// fell back to a failed one.
	ExhaustedSelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_exhausted_selections_total",
			Help: "Selections made while every key in the pool was over the failure threshold.",
		},
		[]string{"pool"},
	)

	// AffinityEntries tracks live request→paid key bindings. Steady growth
	// means callers are not releasing.
	AffinityEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_affinity_entries",
			Help: "Number of request ids currently pinned to a paid key.",
		},
	)

	// MirrorWritesTotal counts snapshot publications by outcome.
	MirrorWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_mirror_writes_total",
			Help: "Snapshot publications to the external mirror by status.",
		},
		[]string{"status"}, // "success", "error", "rejected"
	)

	// CircuitBreakerState tracks the current state of each circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"name"},
	)
)

// RecordDispense records one key handed out from pool.
func RecordDispense(pool, key string) {
	KeysDispensedTotal.WithLabelValues(pool, redact.Fingerprint(key)).Inc()
}

// RecordFailure records one failure reported against key.
func RecordFailure(pool, key string) {
	KeyFailuresTotal.WithLabelValues(pool, redact.Fingerprint(key)).Inc()
}
