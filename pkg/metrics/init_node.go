package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initNodeMetrics() {
	r.NodeRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_node_role",
			Help: "Node role (1 for the current role, 0 otherwise)",
		},
		[]string{"role"}, // primary, secondary
	)

	r.NodeEpoch = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_node_epoch",
			Help: "Highest configuration epoch observed by this node",
		},
	)

	r.NodeKeys = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_node_keys",
			Help: "Number of keys held by the engine",
		},
	)

	r.NodeCommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_node_commands_total",
			Help: "Client commands by operation and outcome",
		},
		[]string{"op", "status"},
	)

	r.NodeCommandDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusokv_node_command_duration_seconds",
			Help:    "Client command latency in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"op"},
	)

	r.NodeRoleChanges = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_node_role_changes_total",
			Help: "Role changes by cause",
		},
		[]string{"cause"}, // promote, replicaof, higher_epoch
	)

	r.CheckpointsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_checkpoints_total",
			Help: "Checkpoint saves and restores by outcome",
		},
		[]string{"op", "result"},
	)
}
