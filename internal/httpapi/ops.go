package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/interviewrelay/internal/admission"
)

const (
	serviceName    = "Voice + Video Interview Bot API"
	serviceVersion = "2.0.0"
	recentActivity = 20
)

type rootResponse struct {
	Status            string   `json:"status"`
	Service           string   `json:"service"`
	Version           string   `json:"version"`
	Model             string   `json:"model"`
	Features          []string `json:"features"`
	WebsocketEndpoint string   `json:"websocket_endpoint"`
	admission.Stats
}

type healthResponse struct {
	Status string `json:"status"`
	admission.Stats
}

type statsConfiguration struct {
	MaxConcurrentConnections int    `json:"max_concurrent_connections"`
	ConnectionTimeout        int64  `json:"connection_timeout"`
	Model                    string `json:"model"`
	Location                 string `json:"location"`
}

type statsResponse struct {
	admission.Stats
	RecentActivity []admission.Event  `json:"recent_activity"`
	Configuration  statsConfiguration `json:"configuration"`
	ActiveSessions int                `json:"active_sessions"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, rootResponse{
		Status:            "online",
		Service:           serviceName,
		Version:           serviceVersion,
		Model:             s.cfg.ModelID,
		Features:          []string{"audio", "video", "transcription"},
		WebsocketEndpoint: interviewWSPath,
		Stats:             s.admission.Stats(),
	})
}

// handleHealth reports at_capacity when no slot is free. Load balancers use
// it to steer new interviews elsewhere.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if !s.admission.CanAccept() {
		status = "at_capacity"
	}
	respondJSON(w, http.StatusOK, healthResponse{Status: status, Stats: s.admission.Stats()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.recorder != nil {
		active = s.recorder.ActiveCount()
	}
	respondJSON(w, http.StatusOK, statsResponse{
		Stats:          s.admission.Stats(),
		RecentActivity: s.admission.History(recentActivity),
		Configuration: statsConfiguration{
			MaxConcurrentConnections: s.admission.Max(),
			ConnectionTimeout:        int64(s.cfg.ConnectionTimeout / time.Second),
			Model:                    s.cfg.ModelID,
			Location:                 s.cfg.Location,
		},
		ActiveSessions: active,
	})
}

// handleNetworkInfo returns the server clock for client-side latency probes.
func (s *Server) handleNetworkInfo(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	respondJSON(w, http.StatusOK, map[string]any{
		"timestamp":   now.UnixMilli(),
		"status":      "ok",
		"server_time": now.Format(time.RFC3339Nano),
	})
}
