package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolSize is the total number of pool entries, warm or leased.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devpool_pool_size",
		Help: "Total pool entries (allocated and unallocated).",
	})

	// PoolUnallocated is the number of entries ready to lease.
	PoolUnallocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devpool_pool_unallocated",
		Help: "Pool entries currently available for allocation.",
	})

	// Allocations counts leases by path ("warm" or "cold").
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devpool_allocations_total",
		Help: "Pool allocations by provisioning path.",
	}, []string{"path"})

	// Evictions counts pool entries removed without being leased.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devpool_evictions_total",
		Help: "Pool evictions by reason.",
	}, []string{"reason"})

	// SyncedFiles counts per-file sync outcomes.
	SyncedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devpool_synced_files_total",
		Help: "File transfers to instances by result.",
	}, []string{"result"})

	// RepairedFiles counts files re-pushed by integrity repair.
	RepairedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devpool_repaired_files_total",
		Help: "Files found missing on an instance and re-pushed.",
	})

	// ReapedSessions counts idle-timeout VM stops.
	ReapedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devpool_reaped_sessions_total",
		Help: "Sessions stopped by the idle reaper.",
	})

	// AdoptedSessions counts orphans re-registered by reconciliation.
	AdoptedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devpool_adopted_sessions_total",
		Help: "Orphan instances adopted by the reconciliation pass.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
