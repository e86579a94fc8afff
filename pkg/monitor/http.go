package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
)

// ErrorResponse is the body of every failed HTTP request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

const eventReplay = 100

func (m *Monitor) httpHandler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, path string, h http.HandlerFunc) {
		mux.Handle(pattern, m.metrics.InstrumentHandler(path, h))
	}

	route("GET /masters", "/masters", func(w http.ResponseWriter, _ *http.Request) {
		m.respondJSON(w, http.StatusOK, m.Masters())
	})
	route("GET /masters/{name}", "/masters/name", func(w http.ResponseWriter, r *http.Request) {
		v, err := m.Master(r.PathValue("name"))
		m.respond(w, v, err)
	})
	route("GET /masters/{name}/replicas", "/masters/replicas", func(w http.ResponseWriter, r *http.Request) {
		v, err := m.Replicas(r.PathValue("name"))
		m.respond(w, v, err)
	})
	route("GET /masters/{name}/monitors", "/masters/monitors", func(w http.ResponseWriter, r *http.Request) {
		v, err := m.Monitors(r.PathValue("name"))
		m.respond(w, v, err)
	})
	route("GET /masters/{name}/addr", "/masters/addr", func(w http.ResponseWriter, r *http.Request) {
		v, err := m.GetMasterAddrByName(r.PathValue("name"))
		m.respond(w, v, err)
	})
	route("GET /masters/{name}/votes", "/masters/votes", func(w http.ResponseWriter, r *http.Request) {
		v, err := m.Votes(r.PathValue("name"))
		m.respond(w, v, err)
	})
	route("GET /masters/{name}/ckquorum", "/masters/ckquorum", m.handleCKQuorum)
	route("POST /masters/{name}/failover", "/masters/failover", m.handleFailover)
	mux.HandleFunc("GET /events", m.handleEvents)

	m.health.Register(mux)
	mux.Handle("GET /metrics", m.metrics.Handler())
	return mux
}

func (m *Monitor) handleCKQuorum(w http.ResponseWriter, r *http.Request) {
	report, err := m.CKQuorum(r.PathValue("name"))
	switch {
	case errors.Is(err, ErrUnknownMaster):
		m.respondError(w, http.StatusNotFound, err)
	case err != nil:
		m.respondJSON(w, http.StatusServiceUnavailable, report)
	default:
		m.respondJSON(w, http.StatusOK, report)
	}
}

func (m *Monitor) handleFailover(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := m.Failover(name)
	switch {
	case errors.Is(err, ErrUnknownMaster):
		m.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrFailoverInProgress):
		m.respondError(w, http.StatusConflict, err)
	case err != nil:
		m.respondError(w, http.StatusServiceUnavailable, err)
	default:
		m.respondJSON(w, http.StatusAccepted, map[string]string{"master": name, "status": "started"})
	}
}

// handleEvents streams events as server-sent events. Recorded events after
// the "after" sequence are replayed before live ones.
func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		m.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	master := r.URL.Query().Get("master")
	if master != "" {
		if _, err := m.master(master); err != nil {
			m.respondError(w, http.StatusNotFound, err)
			return
		}
	}
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)

	sub, err := m.events.Subscribe(r.Context(), master)
	if err != nil {
		m.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Unsubscribe()
	m.metrics.EventStreamsOpen.Inc()
	defer m.metrics.EventStreamsOpen.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(e events.Event) bool {
		if e.Seq <= after {
			return true
		}
		after = e.Seq
		data, err := json.Marshal(e)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range m.events.Recent(master, after, eventReplay) {
		if !write(e) {
			return
		}
	}
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok || !write(e) {
				return
			}
		}
	}
}

func (m *Monitor) respond(w http.ResponseWriter, v any, err error) {
	switch {
	case errors.Is(err, ErrUnknownMaster):
		m.respondError(w, http.StatusNotFound, err)
	case err != nil:
		m.respondError(w, http.StatusInternalServerError, err)
	default:
		m.respondJSON(w, http.StatusOK, v)
	}
}

func (m *Monitor) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		m.logger.Debug("encode response failed", logging.Error(err))
	}
}

func (m *Monitor) respondError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: http.StatusText(status), Message: err.Error()}
	switch {
	case errors.Is(err, ErrUnknownMaster):
		resp.Code = "unknown_master"
	case errors.Is(err, ErrFailoverInProgress):
		resp.Code = "failover_in_progress"
	}
	if status >= http.StatusInternalServerError {
		m.logger.Error("request failed", logging.Error(err))
	}
	m.respondJSON(w, status, resp)
}
