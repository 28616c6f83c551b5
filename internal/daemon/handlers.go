package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// maxRequestBodySize limits the size of JSON request bodies to
// prevent unbounded memory consumption from oversized or malicious
// payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

// registerRoutes sets up every control-API route: a read-only status/
// free_space pair and the save/lookup/shutdown operations spec.md §6
// names as the application-facing surface.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/free_space", s.handleFreeSpace)
	mux.HandleFunc("POST /v1/save", s.handleSave)
	mux.HandleFunc("POST /v1/lookup", s.handleLookup)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	eng := s.runtime.Engine()
	resp := StatusResponse{
		NodeID:        strconv.FormatUint(uint64(eng.NodeID()), 10),
		Version:       s.runtime.Version(),
		UptimeSeconds: int(time.Since(s.runtime.StartTime()).Seconds()),
		Role:          eng.Role().String(),
		State:         eng.State().String(),
		StorageLen:    eng.StorageLen(),
		BufferLen:     eng.BufferLen(),
		ReplicaCount:  eng.ReplicaCount(),
		NeighborCount: eng.NeighborCount(),
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFreeSpace(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, FreeSpaceResponse{Free: s.runtime.Engine().FreeSpace()})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	stored := s.runtime.Engine().Save(types.DataItem{ID: req.ID, Payload: req.Payload})
	respondJSON(w, http.StatusOK, SaveResponse{StoredLocally: stored})
}

// handleLookup blocks the HTTP request until Lookup resolves
// (success, failure, or request_timeout expiry), translating the
// engine's callback-based API into a single synchronous response.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	done := make(chan LookupResponse, 1)
	s.runtime.Engine().Lookup(req.ID,
		func(item types.DataItem) {
			done <- LookupResponse{Found: true, ID: item.ID, Payload: item.Payload}
		},
		func(dataID uint64) {
			done <- LookupResponse{Found: false, ID: dataID}
		},
	)

	select {
	case resp := <-done:
		respondJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	close(s.shutdownCh)
}
