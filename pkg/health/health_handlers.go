package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the aggregate check. Degraded still answers 200.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := hc.Check()
		status := http.StatusOK
		if resp.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeResponse(w, status, resp)
	}
}

// ReadinessHandler is binary: only healthy is ready.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return binaryHandler(hc.CheckReadiness)
}

func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return binaryHandler(hc.CheckLiveness)
}

func binaryHandler(run func() Response) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := run()
		status := http.StatusOK
		if resp.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeResponse(w, status, resp)
	}
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Register mounts /health, /health/ready and /health/live on mux.
func (hc *HealthChecker) Register(mux *http.ServeMux) {
	mux.Handle("GET /health", hc.HTTPHandler())
	mux.Handle("GET /health/ready", hc.ReadinessHandler())
	mux.Handle("GET /health/live", hc.LivenessHandler())
}
