package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

var processStart = time.Now()

type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemoryPercent float64   `json:"memory_percent,omitempty"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
}

// handleHealth always answers 200; it reports process liveness, not the
// readiness of any dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(processStart).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		resp.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		resp.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	writeJSON(w, http.StatusOK, resp)
}

type dbHealthResponse struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleHealthDB pings the graph database: 200 with latency when reachable,
// 503 with the error text when not.
func (s *Server) handleHealthDB(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusServiceUnavailable, dbHealthResponse{
				Status: "error",
				Error:  "graph database not configured",
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		latency, err := db.Ping(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, dbHealthResponse{
				Status: "error",
				Error:  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, dbHealthResponse{
			Status:    "ok",
			LatencyMs: latency.Milliseconds(),
		})
	}
}

// handleTools returns the gateway's allow-list-filtered catalog.
func (s *Server) handleTools(tools ToolLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tools == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "tool gateway not configured"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		catalog, err := tools.ListTools(ctx)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": catalog})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
