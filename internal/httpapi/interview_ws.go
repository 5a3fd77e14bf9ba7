package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/interviewrelay/internal/admission"
	"github.com/ent0n29/interviewrelay/internal/policy"
	"github.com/ent0n29/interviewrelay/internal/relay"
	"github.com/ent0n29/interviewrelay/internal/reliability"
)

const closeWriteTimeout = time.Second

// handleInterviewWS admits the client, sends the config echo, fetches the
// upstream credential and hands both sockets to the relay.
func (s *Server) handleInterviewWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil || s.relay == nil || s.credentials == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = s.cfg.DefaultConfigToken
	}

	slot, ok := s.admission.TryAcquire()
	if !ok {
		s.reject(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slot.Release()
		return
	}
	if s.cfg.ClientMaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.ClientMaxMessageBytes)
	}
	acceptedAt := time.Now()
	logger := s.logger.With("connection_id", slot.ID)
	stats := s.admission.Stats()
	logger.Info("client connected",
		"active", stats.ActiveConnections,
		"max", stats.MaxCapacity,
		"config_token", policy.MaskSecret(token),
	)

	ctx := r.Context()
	start, err := s.orchestrator.Start(ctx, token)
	if err != nil {
		logger.Error("session start failed", "error", err)
		s.closeEarly(conn, slot, err)
		return
	}
	sessionID := start.Session.SessionID
	logger = logger.With("session_id", sessionID)
	defer func() {
		if _, err := s.recorder.EndSession(context.WithoutCancel(ctx), sessionID); err != nil {
			logger.Warn("end session failed", "error", err)
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(start.Echo); err != nil {
		logger.Warn("config echo failed", "error", err)
		slot.Release()
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	s.metrics.ObserveConfigEcho(time.Since(acceptedAt))
	logger.Info("config sent",
		"company", start.Config.CompanyName,
		"job_role", start.Config.JobRole,
		"language", start.Config.Language,
		"fallback", start.UsedFallback,
	)

	bearer, err := s.credentials.Token(ctx)
	if err != nil {
		logger.Error("upstream credential unavailable", "error", err)
		s.closeEarly(conn, slot, err)
		return
	}

	err = s.relay.Run(ctx, relay.Params{
		ConnectionID: slot.ID,
		SessionID:    sessionID,
		Client:       conn,
		Bearer:       bearer,
		Setup:        start.Setup,
		AcceptedAt:   acceptedAt,
		Release:      slot.Release,
	})
	if err != nil && !errors.Is(err, reliability.ErrTransportDisconnect) && !errors.Is(err, reliability.ErrTimeout) {
		logger.Warn("relay ended with error", "error", err)
	}
}

// reject refuses a client over capacity. The upgrade still happens so the
// refusal reaches the client as a close frame.
func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	stats := s.admission.Stats()
	s.logger.Warn("connection rejected at capacity", "active", stats.ActiveConnections, "max", stats.MaxCapacity)
	if s.metrics != nil {
		s.metrics.AdmissionEvents.WithLabelValues("rejected").Inc()
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeClose(conn, reliability.CloseFor(reliability.ErrAdmissionRejected))
	_ = conn.Close()
}

// closeEarly ends a connection that never reached the relay.
func (s *Server) closeEarly(conn *websocket.Conn, slot *admission.Slot, cause error) {
	writeClose(conn, reliability.CloseFor(cause))
	_ = conn.Close()
	slot.Release()
	if s.metrics != nil {
		s.metrics.RelayTeardowns.WithLabelValues(reliability.Cause(cause)).Inc()
	}
}

func writeClose(conn *websocket.Conn, frame reliability.CloseFrame) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(frame.Code, frame.Reason),
		time.Now().Add(closeWriteTimeout),
	)
}
