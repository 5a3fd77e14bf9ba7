package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/interviewrelay/internal/admission"
	"github.com/ent0n29/interviewrelay/internal/config"
	"github.com/ent0n29/interviewrelay/internal/credential"
	"github.com/ent0n29/interviewrelay/internal/httpapi"
	"github.com/ent0n29/interviewrelay/internal/interview"
	"github.com/ent0n29/interviewrelay/internal/observability"
	"github.com/ent0n29/interviewrelay/internal/orchestrator"
	"github.com/ent0n29/interviewrelay/internal/relay"
	"github.com/ent0n29/interviewrelay/internal/session"
	"github.com/ent0n29/interviewrelay/internal/storage"
	"github.com/ent0n29/interviewrelay/internal/upstream"
)

// CredentialInfo describes where upstream credentials come from.
type CredentialInfo struct {
	Source string
	Detail string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Admission    *admission.Controller
	Recorder     *session.Recorder
	Orchestrator *orchestrator.Orchestrator
	Engine       *relay.Engine
	Metrics      *observability.Metrics
	Credentials  CredentialInfo
	StoreMode    string

	// Cleanup should be called on shutdown to release the database pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var pool *pgxpool.Pool
	storeMode := "memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		p, err := storage.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		pool = p
		storeMode = "postgres"
	}

	provider := interview.NewProvider(pool)
	store := session.NewStore(pool)

	recorder := session.NewRecorder(store, cfg.SessionRetention, logger, metrics)
	recorder.SetEndHook(func(s session.Session) {
		logger.Info("session ended",
			"session_id", s.SessionID,
			"latency_samples", len(s.LatencyLogs),
			"average_latency_ms", s.AverageLatencyMs,
			"late_writes", s.LateWrites,
		)
	})

	adm := admission.New(cfg.MaxConcurrentConnections, cfg.AdmissionHistorySize)
	adm.SetEventHook(func(ev admission.Event) {
		metrics.ActiveConnections.Set(float64(ev.Active))
		metrics.AdmissionEvents.WithLabelValues(ev.Action).Inc()
	})

	tokenProvider, credInfo := resolveCredentials(cfg, logger)
	tokens := credential.NewCache(tokenProvider, credential.Options{
		SafetyFraction: cfg.CredentialSafetyFraction,
		FetchTimeout:   cfg.CredentialFetchTimeout,
	}, logger, metrics)

	dialer := upstream.NewDialer(upstream.Options{
		URL:              cfg.UpstreamWSURL,
		HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
		MaxMessageBytes:  cfg.UpstreamMaxMessageBytes,
		PingInterval:     cfg.UpstreamPingInterval,
		PingTimeout:      cfg.UpstreamPingTimeout,
	}, logger, metrics)
	engine := relay.NewEngine(relay.DialerFunc(func(ctx context.Context, bearer string) (relay.Conn, error) {
		conn, err := dialer.Dial(ctx, bearer)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}), recorder, relay.Options{Timeout: cfg.ConnectionTimeout}, logger, metrics)

	orch := orchestrator.New(provider, recorder, orchestrator.Options{
		DefaultToken:  cfg.DefaultConfigToken,
		Model:         cfg.ModelPath(),
		TriggerTokens: cfg.ContextTriggerTokens,
	}, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Admission:    adm,
		Orchestrator: orch,
		Recorder:     recorder,
		Credentials:  tokens,
		Relay:        engine,
		Metrics:      metrics,
		Logger:       logger,
	})

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := provider.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if pool != nil {
			pool.Close()
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Admission:    adm,
		Recorder:     recorder,
		Orchestrator: orch,
		Engine:       engine,
		Metrics:      metrics,
		Credentials:  credInfo,
		StoreMode:    storeMode,
		Cleanup:      cleanup,
	}, nil
}

// resolveCredentials never fails the build. Without usable credentials every
// interview closes with an authentication failure while ops endpoints stay up.
func resolveCredentials(cfg config.Config, logger *slog.Logger) (credential.Provider, CredentialInfo) {
	source := "application_default"
	switch {
	case cfg.GoogleCredentialsFile != "":
		source = "file"
	case cfg.GoogleCredentialsJSON != "":
		source = "json"
	}
	google, err := credential.NewGoogleProvider(credential.GoogleOptions{
		CredentialsFile: cfg.GoogleCredentialsFile,
		CredentialsJSON: cfg.GoogleCredentialsJSON,
	})
	if err != nil {
		logger.Error("google credentials unavailable", "source", source, "error", err)
		return credential.ProviderFunc(func(context.Context) (credential.Token, error) {
			return credential.Token{}, err
		}), CredentialInfo{Source: "unavailable", Detail: err.Error()}
	}
	return google, CredentialInfo{Source: source}
}
