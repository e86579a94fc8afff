package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationOffset = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_offset",
			Help: "Replication offset of this node within its current lineage",
		},
	)

	r.ReplicationLagOffsets = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_lag_offsets",
			Help: "Primary offset minus locally applied offset, as last seen by a secondary",
		},
	)

	r.ReplicationEntriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_entries_total",
			Help: "Replication stream entries",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationResyncsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_resyncs_total",
			Help: "Resynchronizations by mode",
		},
		[]string{"mode"}, // full, partial
	)

	r.ReplicationConnectedReplicas = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_connected_replicas",
			Help: "Secondaries currently attached to this primary",
		},
	)

	r.ReplicationHeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_heartbeats_total",
			Help: "Replication heartbeats",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationDisconnectsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_disconnects_total",
			Help: "Replication links closed, by reason",
		},
		[]string{"reason"}, // slow, error, stale_epoch, shutdown
	)

	r.ReplicationLinkUp = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_link_up",
			Help: "Whether this secondary has a live link to its primary (1=up)",
		},
	)
}
