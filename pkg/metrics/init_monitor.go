package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMonitorMetrics() {
	r.MonitorMasterStatus = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_monitor_master_status",
			Help: "Primary status as seen by this monitor (0=up, 1=subjectively down, 2=objectively down)",
		},
		[]string{"master"},
	)

	r.MonitorTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_monitor_transitions_total",
			Help: "Node status transitions",
		},
		[]string{"master", "event"}, // +sdown, -sdown, +odown, -odown
	)

	r.MonitorPeerQueriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_monitor_peer_queries_total",
			Help: "is-primary-down queries to peer monitors",
		},
		[]string{"result"}, // agree, disagree, error
	)

	r.MonitorElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_monitor_elections_total",
			Help: "Leader elections started by this monitor",
		},
		[]string{"master", "result"}, // won, lost, timeout
	)

	r.MonitorVotesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_monitor_votes_total",
			Help: "Vote requests handled by this monitor",
		},
		[]string{"master", "result"}, // granted, refused
	)

	r.MonitorFailoversTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_monitor_failovers_total",
			Help: "Failovers coordinated by this monitor",
		},
		[]string{"master", "result"}, // done, aborted
	)

	r.MonitorFailoverDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusokv_monitor_failover_duration_seconds",
			Help:    "Time from leader election to announcement",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"master"},
	)

	r.MonitorConfigEpoch = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_monitor_config_epoch",
			Help: "Configuration epoch of the current primary",
		},
		[]string{"master"},
	)

	r.MonitorKnownPeers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_monitor_known_peers",
			Help: "Peer monitors known for a master, excluding self",
		},
		[]string{"master"},
	)

	r.MonitorKnownReplicas = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_monitor_known_replicas",
			Help: "Secondaries known for a master",
		},
		[]string{"master"},
	)
}
