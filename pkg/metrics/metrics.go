package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clusokv"

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.initHTTPMetrics()
	r.initReplicationMetrics()
	r.initNodeMetrics()
	r.initMonitorMetrics()

	return r
}

// OrDefault returns r, or the process-wide registry when r is nil.
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return DefaultRegistry()
	}
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// InstrumentHandler wraps next with request count, latency and in-flight metrics.
// path is used as the label so that key names do not explode cardinality.
func (r *Registry) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.HTTPRequestsInFlight.Inc()
		defer r.HTTPRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		r.RecordHTTPRequest(req.Method, path, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RecordHTTPRequest records an HTTP request with its duration.
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommand records a client command.
func (r *Registry) RecordCommand(op, status string, duration time.Duration) {
	r.NodeCommandsTotal.WithLabelValues(op, status).Inc()
	r.NodeCommandDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetNodeRole marks role as the current role.
func (r *Registry) SetNodeRole(role string) {
	r.NodeRole.WithLabelValues("primary").Set(0)
	r.NodeRole.WithLabelValues("secondary").Set(0)
	r.NodeRole.WithLabelValues(role).Set(1)
}

// UpdateReplication records the local offset and lag.
func (r *Registry) UpdateReplication(offset, lag uint64) {
	r.ReplicationOffset.Set(float64(offset))
	r.ReplicationLagOffsets.Set(float64(lag))
}

// SetLinkUp records whether a secondary's replication link is established.
func (r *Registry) SetLinkUp(up bool) {
	r.ReplicationLinkUp.Set(boolToFloat(up))
}

// RecordStatusTransition counts a monitor status event such as "+sdown".
func (r *Registry) RecordStatusTransition(master, event string) {
	r.MonitorTransitionsTotal.WithLabelValues(master, event).Inc()
}

// RecordFailover records the outcome and duration of a failover.
func (r *Registry) RecordFailover(master, result string, duration time.Duration) {
	r.MonitorFailoversTotal.WithLabelValues(master, result).Inc()
	r.MonitorFailoverDuration.WithLabelValues(master).Observe(duration.Seconds())
}

// SetConfigEpoch records the configuration epoch of master.
func (r *Registry) SetConfigEpoch(master string, epoch uint64) {
	r.MonitorConfigEpoch.WithLabelValues(master).Set(float64(epoch))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
