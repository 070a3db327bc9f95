package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/devrev/boundary-gateway/internal/model"
	"go.uber.org/zap"
)

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	Eligible   int    `json:"eligible_nodes"`
}

// SnapshotStatus summarizes the published routing table.
type SnapshotStatus struct {
	Generation      uint64         `json:"generation"`
	RegistryVersion uint64         `json:"registry_version"`
	CreatedAt       time.Time      `json:"created_at"`
	EligibleNodes   map[string]int `json:"eligible_nodes"`
}

// RegistryStatusResponse summarizes registry polling.
type RegistryStatusResponse struct {
	Version     uint64    `json:"version"`
	FetchErrors uint64    `json:"fetch_errors"`
	LastSuccess time.Time `json:"last_success"`
}

// StatusResponse is the body of GET /api/v2/status.
type StatusResponse struct {
	Status        string                  `json:"status"`
	Version       string                  `json:"version"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Snapshot      SnapshotStatus          `json:"snapshot"`
	Registry      *RegistryStatusResponse `json:"registry,omitempty"`
	CacheEntries  int                     `json:"cache_entries"`
}

// Liveness handles GET /health. It returns 200 while the process runs.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// Readiness handles GET /ready. The gateway is ready once the published
// table holds at least one eligible node.
func (h *Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	current := h.deps.Snapshots.Current()
	resp := ReadinessResponse{
		Status:     "ready",
		Generation: current.Generation,
		Eligible:   current.Eligible(),
	}
	if resp.Eligible == 0 {
		resp.Status = "not_ready"
		h.writeJSONResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Status handles GET /api/v2/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	current := h.deps.Snapshots.Current()

	resp := StatusResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
		Snapshot: SnapshotStatus{
			Generation:      current.Generation,
			RegistryVersion: current.RegistryVersion,
			CreatedAt:       current.CreatedAt,
			EligibleNodes:   current.EligibleCounts(),
		},
	}
	if current.Eligible() == 0 {
		resp.Status = "degraded"
	}
	if reg := h.deps.Registry; reg != nil {
		resp.Registry = &RegistryStatusResponse{
			Version:     reg.Version(),
			FetchErrors: reg.FetchErrors(),
			LastSuccess: reg.LastSuccess(),
		}
	}
	if h.deps.Cache != nil {
		resp.CacheEntries = h.deps.Cache.Len()
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// DebugSnapshot handles GET /debug/snapshot.
func (h *Handlers) DebugSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.deps.Snapshots.Current())
}

// DebugHealth handles GET /debug/health.
func (h *Handlers) DebugHealth(w http.ResponseWriter, r *http.Request) {
	records := []model.HealthRecord{}
	if h.deps.Health != nil {
		records = h.deps.Health.Records()
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"nodes": records})
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("failed to write response body", zap.Error(err))
	}
}
