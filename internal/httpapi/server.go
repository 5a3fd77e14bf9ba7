package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/interviewrelay/internal/admission"
	"github.com/ent0n29/interviewrelay/internal/config"
	"github.com/ent0n29/interviewrelay/internal/observability"
	"github.com/ent0n29/interviewrelay/internal/orchestrator"
	"github.com/ent0n29/interviewrelay/internal/relay"
	"github.com/ent0n29/interviewrelay/internal/session"
)

const interviewWSPath = "/ws/interview"

type Orchestrator interface {
	Start(ctx context.Context, token string) (orchestrator.Start, error)
}

// TokenSource hands out the bearer credential for the upstream.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Relay interface {
	Run(ctx context.Context, p relay.Params) error
}

type Deps struct {
	Admission    *admission.Controller
	Orchestrator Orchestrator
	Recorder     *session.Recorder
	Credentials  TokenSource
	Relay        Relay
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

type Server struct {
	cfg          config.Config
	admission    *admission.Controller
	orchestrator Orchestrator
	recorder     *session.Recorder
	credentials  TokenSource
	relay        Relay
	metrics      *observability.Metrics
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		admission:    deps.Admission,
		orchestrator: deps.Orchestrator,
		recorder:     deps.Recorder,
		credentials:  deps.Credentials,
		relay:        deps.Relay,
		metrics:      deps.Metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReady)
	r.Get("/stats", s.handleStats)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get(interviewWSPath, s.handleInterviewWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/network-info", s.handleNetworkInfo)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Post("/session/start", s.handleStartSession)
		r.Get("/session/{id}", s.handleGetSession)
		r.Post("/session/{id}/end", s.handleEndSession)
		r.Post("/latency/log", s.handleLogLatency)
		r.Post("/network/log", s.handleLogNetwork)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "memory"
	}
	return "postgres"
}
