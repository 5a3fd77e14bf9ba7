package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/interviewrelay/internal/interview"
	"github.com/ent0n29/interviewrelay/internal/prompt"
	"github.com/ent0n29/interviewrelay/internal/reliability"
	"github.com/ent0n29/interviewrelay/internal/session"
)

func newTestOrchestrator(p interview.Provider) (*Orchestrator, *session.Recorder) {
	rec := session.NewRecorder(nil, time.Hour, nil, nil)
	return New(p, rec, Options{DefaultToken: "default", Model: "projects/p/locations/l/publishers/google/models/m", TriggerTokens: 50000}, nil), rec
}

func TestStartWithKnownToken(t *testing.T) {
	p := interview.NewInMemoryProvider()
	custom := interview.DefaultSnapshot()
	custom.Token = "acme"
	custom.CompanyName = "Acme"
	custom.CandidateName = "Meera"
	custom.VoiceName = "Puck"
	custom.AISettingsID = "fast"
	p.Put(custom)
	fast := interview.DefaultAISettings()
	fast.Temperature = 0.3
	fast.MaxQuestions = 4
	p.PutAISettings("fast", fast)

	o, rec := newTestOrchestrator(p)
	start, err := o.Start(context.Background(), "acme")
	require.NoError(t, err)

	assert.False(t, start.UsedFallback)
	assert.Equal(t, "acme", start.Config.Token)
	assert.Equal(t, 0.3, start.Config.AISettings.Temperature)
	assert.Equal(t, prompt.Build(start.Config), start.Instruction)
	assert.Contains(t, start.Instruction, "Ask up to 4 questions")

	assert.Equal(t, start.Session.SessionID, start.Echo.Config.SessionID)
	assert.Equal(t, start.CandidateUUID, start.Echo.Config.CandidateUUID)
	assert.NotEqual(t, start.Session.SessionID, start.CandidateUUID)
	require.NotNil(t, start.Echo.Config.Interview.CandidateName)
	assert.Equal(t, "Meera", *start.Echo.Config.Interview.CandidateName)

	assert.Equal(t, "Puck", start.Setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, 0.3, start.Setup.Setup.GenerationConfig.Temperature)
	assert.Equal(t, start.Instruction, start.Setup.Setup.SystemInstruction.Parts[0].Text)
	assert.Equal(t, 50000, start.Setup.Setup.ContextWindowCompression.TriggerTokens)

	got, err := rec.GetSession(context.Background(), start.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ConfigToken)
}

func TestStartFallsBackToDefault(t *testing.T) {
	o, _ := newTestOrchestrator(interview.NewInMemoryProvider())
	start, err := o.Start(context.Background(), "unknown-token")
	require.NoError(t, err)
	assert.True(t, start.UsedFallback)
	assert.Equal(t, "default", start.Config.Token)

	start, err = o.Start(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, start.UsedFallback)
}

type emptyProvider struct{ settingsErr error }

func (emptyProvider) ConfigByToken(context.Context, string) (interview.Snapshot, error) {
	return interview.Snapshot{}, interview.ErrNotFound
}

func (e emptyProvider) AISettings(context.Context, string) (interview.AISettings, error) {
	return interview.AISettings{}, e.settingsErr
}

func (emptyProvider) Close() error { return nil }

func TestStartConfigNotFound(t *testing.T) {
	o, rec := newTestOrchestrator(emptyProvider{})
	_, err := o.Start(context.Background(), "whatever")
	require.Error(t, err)
	assert.True(t, errors.Is(err, reliability.ErrConfigNotFound))
	assert.Equal(t, 0, rec.ActiveCount())
}

func TestResolveMissingAISettingsUsesDefaults(t *testing.T) {
	p := interview.NewInMemoryProvider()
	cfg := interview.DefaultSnapshot()
	cfg.Token = "orphan"
	cfg.AISettingsID = "deleted"
	p.Put(cfg)

	o, _ := newTestOrchestrator(p)
	got, fallback, err := o.Resolve(context.Background(), "orphan")
	require.NoError(t, err)
	assert.False(t, fallback)
	assert.Equal(t, interview.DefaultAISettings(), got.AISettings)
}

func TestEchoNeverCarriesInstruction(t *testing.T) {
	p := interview.NewInMemoryProvider()
	cfg := interview.DefaultSnapshot()
	cfg.Token = "override"
	cfg.SystemPrompt = "TOP SECRET PROMPT"
	p.Put(cfg)

	o, _ := newTestOrchestrator(p)
	start, err := o.Start(context.Background(), "override")
	require.NoError(t, err)
	assert.Equal(t, "TOP SECRET PROMPT", start.Instruction)

	raw, err := json.Marshal(start.Echo)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "TOP SECRET PROMPT")
}
