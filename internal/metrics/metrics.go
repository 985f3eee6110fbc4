// Package metrics holds each role's Prometheus gauges/counters, exposed
// on /metrics alongside the role's JSON RPC endpoints. The stat() RPC
// does not read them; it reports only role, id and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry isolates one role's metrics from another when several roles
// share a process in tests, instead of relying on the global default
// registry.
type Registry struct {
	Reg *prometheus.Registry

	WorkersStarted   prometheus.Counter
	StagesRunning    prometheus.Gauge
	KeysRouted       prometheus.Counter
	BytesScattered   prometheus.Counter
	BytesGathered    prometheus.Counter
	RPCFailures      prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
}

// New builds a fresh, role-scoped Registry. role is used as a constant
// label so Peer/Coordinator/Worker metrics can share a scrape target in
// single-process tests without colliding.
func New(role string) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"role": role}

	return &Registry{
		Reg: reg,
		WorkersStarted: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_workers_started_total",
			Help:        "Workers spawned by this process.",
			ConstLabels: labels,
		}),
		StagesRunning: f.NewGauge(prometheus.GaugeOpts{
			Name:        "mrpeer_stages_running",
			Help:        "Stage kernel threads currently executing.",
			ConstLabels: labels,
		}),
		KeysRouted: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_keys_routed_total",
			Help:        "Keys assigned to a destination by get_destinations.",
			ConstLabels: labels,
		}),
		BytesScattered: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_bytes_scattered_total",
			Help:        "Bytes written to outbound Scatterer channels.",
			ConstLabels: labels,
		}),
		BytesGathered: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_bytes_gathered_total",
			Help:        "Bytes appended to Gatherer buffers.",
			ConstLabels: labels,
		}),
		RPCFailures: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_rpc_failures_total",
			Help:        "RPC calls that returned ErrRPCUnreachable.",
			ConstLabels: labels,
		}),
		JobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_jobs_completed_total",
			Help:        "Jobs that reached the DONE progress message.",
			ConstLabels: labels,
		}),
		JobsFailed: f.NewCounter(prometheus.CounterOpts{
			Name:        "mrpeer_jobs_failed_total",
			Help:        "Jobs that terminated with an error progress message.",
			ConstLabels: labels,
		}),
	}
}
