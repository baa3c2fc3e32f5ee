package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireAttempts tracks the number of lock acquisition attempts.
	AcquireAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_lock_acquire_attempts_total",
		Help: "Total number of lock acquisition attempts",
	})
	// AcquireWins tracks the number of successful lock acquisitions.
	AcquireWins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_lock_acquired_total",
		Help: "Total number of successful lock acquisitions",
	})
	// RenewFailures tracks renewals that found the lock no longer owned.
	RenewFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_lock_renew_failures_total",
		Help: "Total number of renewals that found ownership lost",
	})
	// QuorumReleaseFailures tracks per-node errors during quorum release.
	QuorumReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_quorum_release_failures_total",
		Help: "Total number of node errors during quorum lock release",
	})
	// Rebuilds tracks cache values recomputed under the rebuild lock.
	Rebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_cache_rebuilds_total",
		Help: "Total number of cache rebuilds",
	})
	// FillTimeouts tracks readers that gave up waiting for a cache fill.
	FillTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_cache_fill_timeouts_total",
		Help: "Total number of cache fill wait timeouts",
	})
	// StaleServed tracks reads answered with a stale value past soft expiry.
	StaleServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_cache_stale_served_total",
		Help: "Total number of stale values served",
	})
	// RefreshFailures tracks background refreshes that did not complete.
	RefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockbox_cache_refresh_failures_total",
		Help: "Total number of failed background refreshes",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers lockbox core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireAttempts,
		AcquireWins,
		RenewFailures,
		QuorumReleaseFailures,
		Rebuilds,
		FillTimeouts,
		StaleServed,
		RefreshFailures,
	)
}
