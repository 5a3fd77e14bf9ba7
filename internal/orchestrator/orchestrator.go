// Package orchestrator prepares an interview session: it resolves the client's
// configuration, builds the model instruction, opens the telemetry record and
// produces the messages sent to the client and the upstream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/interviewrelay/internal/interview"
	"github.com/ent0n29/interviewrelay/internal/policy"
	"github.com/ent0n29/interviewrelay/internal/prompt"
	"github.com/ent0n29/interviewrelay/internal/protocol"
	"github.com/ent0n29/interviewrelay/internal/reliability"
	"github.com/ent0n29/interviewrelay/internal/session"
)

type Options struct {
	DefaultToken  string
	Model         string
	TriggerTokens int
}

// Recorder is the part of the telemetry recorder the orchestrator needs.
type Recorder interface {
	CreateSession(ctx context.Context, configToken string) session.Session
}

type Orchestrator struct {
	provider interview.Provider
	recorder Recorder
	opts     Options
	logger   *slog.Logger
}

func New(provider interview.Provider, recorder Recorder, opts Options, logger *slog.Logger) *Orchestrator {
	if strings.TrimSpace(opts.DefaultToken) == "" {
		opts.DefaultToken = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{provider: provider, recorder: recorder, opts: opts, logger: logger}
}

// Start is everything the relay needs for one interview.
type Start struct {
	Config        interview.Snapshot
	Instruction   string
	Session       session.Session
	CandidateUUID string
	Echo          protocol.ConfigEcho
	Setup         protocol.SetupMessage
	// UsedFallback is true when the requested token was unknown and the
	// default configuration was used instead.
	UsedFallback bool
}

// Start resolves token, falling back to the default token. When neither
// resolves it returns an error wrapping reliability.ErrConfigNotFound and no
// session is created.
func (o *Orchestrator) Start(ctx context.Context, token string) (Start, error) {
	cfg, fallback, err := o.Resolve(ctx, token)
	if err != nil {
		return Start{}, err
	}

	instruction := prompt.Build(cfg)
	sess := o.recorder.CreateSession(ctx, cfg.Token)
	candidateUUID := uuid.NewString()

	return Start{
		Config:        cfg,
		Instruction:   instruction,
		Session:       sess,
		CandidateUUID: candidateUUID,
		Echo:          protocol.NewConfigEcho(cfg, sess.SessionID, candidateUUID),
		Setup: protocol.NewSetup(protocol.SetupParams{
			Model:         o.opts.Model,
			Temperature:   cfg.AISettings.Temperature,
			VoiceName:     cfg.VoiceName,
			Instruction:   instruction,
			TriggerTokens: o.opts.TriggerTokens,
		}),
		UsedFallback: fallback,
	}, nil
}

// Resolve returns the configuration for token merged with its AI settings.
func (o *Orchestrator) Resolve(ctx context.Context, token string) (interview.Snapshot, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = o.opts.DefaultToken
	}

	cfg, err := o.provider.ConfigByToken(ctx, token)
	fallback := false
	if errors.Is(err, interview.ErrNotFound) && token != o.opts.DefaultToken {
		o.logger.Warn("config token not found, using default", "config_token", policy.MaskSecret(token))
		fallback = true
		cfg, err = o.provider.ConfigByToken(ctx, o.opts.DefaultToken)
	}
	if errors.Is(err, interview.ErrNotFound) {
		return interview.Snapshot{}, false, fmt.Errorf("resolve %q: %w", policy.MaskSecret(token), reliability.ErrConfigNotFound)
	}
	if err != nil {
		return interview.Snapshot{}, false, fmt.Errorf("resolve config: %w", err)
	}

	settingsID := cfg.AISettingsID
	if settingsID == "" {
		settingsID = interview.DefaultSettingsID
	}
	settings, err := o.provider.AISettings(ctx, settingsID)
	switch {
	case errors.Is(err, interview.ErrNotFound):
		o.logger.Warn("ai settings not found, using defaults", "settings_id", settingsID)
		settings = interview.DefaultAISettings()
	case err != nil:
		return interview.Snapshot{}, false, fmt.Errorf("resolve ai settings: %w", err)
	}
	cfg.AISettingsID = settingsID
	cfg.AISettings = settings
	return cfg, fallback, nil
}
