package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/interviewrelay/internal/session"
)

type latencyLogRequest struct {
	SessionID   string `json:"sessionId"`
	UserEndTime *int64 `json:"userEndTime"`
	AIStartTime *int64 `json:"aiStartTime"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("config_token"))
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing_config_token", "query parameter config_token is required")
		return
	}
	sess := s.recorder.CreateSession(r.Context(), token)
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId":   sess.SessionID,
		"configToken": sess.ConfigToken,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.recorder.GetSession(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.recorder.EndSession(r.Context(), id); err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ended", "sessionId": id})
}

func (s *Server) handleLogLatency(w http.ResponseWriter, r *http.Request) {
	var req latencyLogRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || req.UserEndTime == nil || req.AIStartTime == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "sessionId, userEndTime and aiStartTime are required")
		return
	}
	res, err := s.recorder.RecordLatency(r.Context(), req.SessionID, *req.UserEndTime, *req.AIStartTime)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogNetwork(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("session_id"))
	quality := strings.TrimSpace(q.Get("quality"))
	speed, err := strconv.ParseFloat(strings.TrimSpace(q.Get("speed_mbps")), 64)
	if id == "" || quality == "" || err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id, speed_mbps and quality are required")
		return
	}
	late, err := s.recorder.RecordNetworkSample(r.Context(), id, speed, quality)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	resp := map[string]any{"status": "logged"}
	if late {
		resp["lateWrite"] = true
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	s.logger.Error("telemetry request failed", "error", err)
	respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
