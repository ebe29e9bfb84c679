package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runbin/svc/util"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Degraded  bool   `json:"degraded"`
	Database  string `json:"database"`
	BlobStore string `json:"blobStore"`
	Cache     string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready reports whether every backing store answers. Redis only carries
// rate limit windows, so losing it degrades the service without failing it.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:     true,
		Database:  "up",
		BlobStore: "up",
		Cache:     "up",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	blobCtx, blobCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer blobCancel()
	if err := s.blobs.Ping(blobCtx); err != nil {
		util.Error().Err(err).Msg("blob store health check failed")
		resp.BlobStore = "down"
		resp.Ready = false
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			util.Warn().Err(err).Msg("redis health check failed")
			resp.Cache = "down"
			resp.Degraded = true
		}
	} else {
		resp.Cache = "unavailable"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
