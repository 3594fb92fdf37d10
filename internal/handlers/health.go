package handlers

import (
	"net/http"
	"time"
)

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string           `json:"status"`
	Time   time.Time        `json:"time"`
	Checks map[string]Check `json:"checks"`
}

// Check is a single dependency check result.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health handles GET /health. It reports degraded with a 503 when any
// dependency fails its ping, which is what load balancers key off.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC(),
		Checks: make(map[string]Check),
	}

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Checks["store"] = Check{Status: "down", Error: err.Error()}
	} else {
		resp.Checks["store"] = Check{Status: "up"}
	}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()).Err(); err != nil {
			resp.Status = "degraded"
			resp.Checks["redis"] = Check{Status: "down", Error: err.Error()}
		} else {
			resp.Checks["redis"] = Check{Status: "up"}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}
