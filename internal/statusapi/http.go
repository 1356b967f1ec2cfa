// Package statusapi is a small read-only HTTP surface over a running Raft
// instance: term, state, leader and commit index, for operators and health
// checks. It is not part of the protocol and never drives a decision the
// protocol engine makes.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Instance is the subset of *raft.Raft this package depends on, kept
// narrow so status reporting never needs to import pkg/raft's full surface
// (and so it can be faked in tests without a real log on disk).
type Instance interface {
	State() StateStringer
	LeaderID() uint64
	CurrentTerm() uint64
	CommitIndex() uint64
}

// StateStringer is satisfied by raft.State.
type StateStringer interface {
	String() string
}

// NewHTTPServer mirrors the teacher's server-construction shape: build a
// router, register routes, hand back a ready-to-serve *http.Server.
func NewHTTPServer(addr string, inst Instance) *http.Server {
	h := &statusHandler{inst: inst}
	router := mux.NewRouter()
	router.HandleFunc("/status", h.handleStatus).Methods("GET")
	return &http.Server{
		Addr:    addr,
		Handler: router,
	}
}

type statusHandler struct {
	inst Instance
}

// StatusResponse is the status endpoint's JSON body.
type StatusResponse struct {
	State       string `json:"state"`
	LeaderID    uint64 `json:"leader_id"`
	CurrentTerm uint64 `json:"current_term"`
	CommitIndex uint64 `json:"commit_index"`
}

func (h *statusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := StatusResponse{
		State:       h.inst.State().String(),
		LeaderID:    h.inst.LeaderID(),
		CurrentTerm: h.inst.CurrentTerm(),
		CommitIndex: h.inst.CommitIndex(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
