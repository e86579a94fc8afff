package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/rpc"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// ErrorResponse is the body of every failed HTTP request. Writes sent to a
// secondary answer 421 with the primary to retry against.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Primary string `json:"primary,omitempty"`
	Epoch   uint64 `json:"epoch,omitempty"`
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (n *Node) httpHandler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, path string, h http.HandlerFunc) {
		mux.Handle(pattern, n.metrics.InstrumentHandler(path, h))
	}

	route("GET /kv/{key}", "/kv", n.handleGet)
	route("PUT /kv/{key}", "/kv", n.handlePut)
	route("DELETE /kv/{key}", "/kv", n.handleDelete)
	route("POST /kv/{key}/incr", "/kv/incr", n.handleIncr)
	route("GET /info", "/info", func(w http.ResponseWriter, _ *http.Request) {
		n.respondJSON(w, http.StatusOK, n.Info())
	})
	n.health.Register(mux)
	mux.Handle("GET /metrics", n.metrics.Handler())
	return mux
}

func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validation.Key(key); err != nil {
		n.respondError(w, http.StatusBadRequest, err)
		return
	}
	v, ok := n.Get(key)
	if !ok {
		n.respondError(w, http.StatusNotFound, rpc.Errorf(rpc.CodeNotFound, "key %q not found", key))
		return
	}
	n.respondJSON(w, http.StatusOK, KeyValue{Key: key, Value: v})
}

func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, validation.MaxValueLength+1))
	if err != nil {
		n.respondError(w, http.StatusBadRequest, err)
		return
	}
	var req SetRequest
	req.Key, req.Value = r.PathValue("key"), string(body)
	req.Epoch = epochParam(r)
	if err := validation.Struct(&req); err != nil {
		n.respondError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := n.Set(req.Key, req.Value, req.Epoch)
	n.respondWrite(w, resp, err)
}

func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validation.Key(key); err != nil {
		n.respondError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := n.Del(key, epochParam(r))
	n.respondWrite(w, resp, err)
}

func (n *Node) handleIncr(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := validation.Key(key); err != nil {
		n.respondError(w, http.StatusBadRequest, err)
		return
	}
	delta := int64(1)
	if by := r.URL.Query().Get("by"); by != "" {
		d, err := strconv.ParseInt(by, 10, 64)
		if err != nil {
			n.respondError(w, http.StatusBadRequest, rpc.Errorf(rpc.CodeBadRequest, "invalid by %q", by))
			return
		}
		delta = d
	}
	resp, err := n.IncrBy(key, delta, epochParam(r))
	n.respondWrite(w, resp, err)
}

func epochParam(r *http.Request) uint64 {
	e, _ := strconv.ParseUint(r.URL.Query().Get("epoch"), 10, 64)
	return e
}

func (n *Node) respondWrite(w http.ResponseWriter, resp WriteResponse, err error) {
	if err == nil {
		n.respondJSON(w, http.StatusOK, resp)
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rpc.ErrReadOnly):
		status = http.StatusMisdirectedRequest
	case rpc.CodeOf(err) == rpc.CodeBadRequest:
		status = http.StatusBadRequest
	}
	n.respondError(w, status, err)
}

func (n *Node) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		n.logger.Debug("encode response failed", logging.Error(err))
	}
}

func (n *Node) respondError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: http.StatusText(status), Message: err.Error()}
	var re *rpc.Error
	if errors.As(err, &re) {
		resp.Code, resp.Message, resp.Primary, resp.Epoch = re.Code, re.Message, re.Primary, re.Epoch
	}
	if status >= http.StatusInternalServerError {
		n.logger.Error("request failed", logging.Error(err))
		resp.Message = "internal error"
	}
	n.respondJSON(w, status, resp)
}
