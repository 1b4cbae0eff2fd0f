package api

import (
	"context"
	"encoding/json"
	"net/http"
	"pastebin/svc/util"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Store   string `json:"store"`
	Records uint64 `json:"records"`
	NextID  uint64 `json:"next_id"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready pings the backend and reports the record count and the next id.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Store: "up"}
	if err := s.paste.Ping(ctx); err != nil {
		util.Error().Err(err).Msg("store health check failed")
		resp.Ready = false
		resp.Store = "down"
	} else if stats, err := s.paste.Stats(ctx); err != nil {
		util.Error().Err(err).Msg("store stats failed")
		resp.Ready = false
		resp.Store = "closed"
	} else {
		resp.Records = stats.Records
		resp.NextID = stats.NextID
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
