package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric exported by nodes and monitors.
type Registry struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	EventStreamsOpen     prometheus.Gauge

	// Replication
	ReplicationOffset            prometheus.Gauge
	ReplicationLagOffsets        prometheus.Gauge
	ReplicationEntriesTotal      *prometheus.CounterVec
	ReplicationResyncsTotal      *prometheus.CounterVec
	ReplicationConnectedReplicas prometheus.Gauge
	ReplicationHeartbeatsTotal   *prometheus.CounterVec
	ReplicationDisconnectsTotal  *prometheus.CounterVec
	ReplicationLinkUp            prometheus.Gauge

	// Node
	NodeRole            *prometheus.GaugeVec
	NodeEpoch           prometheus.Gauge
	NodeKeys            prometheus.Gauge
	NodeCommandsTotal   *prometheus.CounterVec
	NodeCommandDuration *prometheus.HistogramVec
	NodeRoleChanges     *prometheus.CounterVec
	CheckpointsTotal    *prometheus.CounterVec

	// Monitor
	MonitorMasterStatus     *prometheus.GaugeVec
	MonitorTransitionsTotal *prometheus.CounterVec
	MonitorPeerQueriesTotal *prometheus.CounterVec
	MonitorElectionsTotal   *prometheus.CounterVec
	MonitorVotesTotal       *prometheus.CounterVec
	MonitorFailoversTotal   *prometheus.CounterVec
	MonitorFailoverDuration *prometheus.HistogramVec
	MonitorConfigEpoch      *prometheus.GaugeVec
	MonitorKnownPeers       *prometheus.GaugeVec
	MonitorKnownReplicas    *prometheus.GaugeVec
}

var (
	defaultRegistry *Registry
	once            sync.Once
)
