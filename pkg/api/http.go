// Package api is the thin embedder-facing HTTP surface cmd/server wires
// on top of a raft.Node and a kv.Store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/vzdtic/raftcore/pkg/kv"
	"github.com/vzdtic/raftcore/pkg/raft"
)

type HTTPHandler struct {
	node     *raft.Node
	store    *kv.Store
	mux      *http.ServeMux
	clientID string
	nextReq  atomic.Uint64
}

func NewHTTPHandler(node *raft.Node, store *kv.Store) *HTTPHandler {
	h := &HTTPHandler{
		node:     node,
		store:    store,
		mux:      http.NewServeMux(),
		clientID: kv.NewClientID(),
	}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := h.node.ClientRead(ctx); err != nil {
			h.respondWriteError(w, err)
			return
		}
		value, ok := h.store.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		h.submit(w, r, kv.CommandSet, key, []byte(req.Value))

	case http.MethodDelete:
		h.submit(w, r, kv.CommandDelete, key, nil)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) submit(w http.ResponseWriter, r *http.Request, cmdType kv.CommandType, key string, value []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	data, err := kv.EncodeCommand(cmdType, key, value, h.clientID, h.nextReq.Inc())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, _, err := h.node.ClientWrite(ctx, data); err != nil {
		h.respondWriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HTTPHandler) respondWriteError(w http.ResponseWriter, err error) {
	var fwd *raft.ErrForwardToLeader
	if errors.As(err, &fwd) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "not leader",
			"leader_id": fwd.LeaderID,
		})
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, raft.ErrTimeout) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := h.node.Metrics()
	status := map[string]interface{}{
		"id":           m.ID,
		"role":         m.Role.String(),
		"term":         m.CurrentTerm,
		"leader_id":    m.LeaderID,
		"commit_index": m.CommitIndex,
		"last_applied": m.LastApplied,
		"cluster_size": len(m.Membership.Members),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
