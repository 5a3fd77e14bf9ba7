// Package interview holds the per-interview configuration snapshot and the
// providers that resolve it from a client token.
package interview

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("interview config not found")

const DefaultSettingsID = "default"

// Snapshot is the configuration for one interview. It is immutable for the
// duration of a session.
type Snapshot struct {
	Token             string     `json:"token"`
	VoiceName         string     `json:"voiceName"`
	VoiceStyle        string     `json:"voiceStyle"`
	CompanyName       string     `json:"companyName"`
	JobRole           string     `json:"jobRole"`
	CandidateName     string     `json:"candidateName"`
	Language          string     `json:"language"`
	Country           string     `json:"country"`
	IndustryType      string     `json:"industryType"`
	YearsOfExperience string     `json:"yearsOfExperience"`
	DurationMinutes   int        `json:"durationMinutes"`
	SystemPrompt      string     `json:"systemPrompt"`
	Proctoring        Proctoring `json:"proctoring"`
	UI                UISettings `json:"ui"`
	Recording         Recording  `json:"recording"`
	AISettingsID      string     `json:"aiSettingsId"`
	AISettings        AISettings `json:"aiSettings"`
}

type Proctoring struct {
	Enabled              bool   `json:"enabled"`
	DetectMultiplePeople bool   `json:"detectMultiplePeople"`
	DetectPhone          bool   `json:"detectPhone"`
	DetectTabSwitch      bool   `json:"detectTabSwitch"`
	DetectLookingAway    bool   `json:"detectLookingAway"`
	Strictness           string `json:"strictness"`
}

type UISettings struct {
	AppTitle        string  `json:"appTitle"`
	LogoURL         *string `json:"logoUrl"`
	PrimaryColor    string  `json:"primaryColor"`
	BackgroundColor string  `json:"backgroundColor"`
	BackgroundStyle string  `json:"backgroundStyle"`
	WelcomeMessage  string  `json:"welcomeMessage"`
	ShowTimer       bool    `json:"showTimer"`
	DarkModeDefault bool    `json:"darkModeDefault"`
}

type Recording struct {
	AudioEnabled   bool `json:"audioEnabled"`
	ScreenEnabled  bool `json:"screenEnabled"`
	AutoDownload   bool `json:"autoDownload"`
	UploadToServer bool `json:"uploadToServer"`
}

// AISettings is the model tuning record linked from a Snapshot by AISettingsID.
type AISettings struct {
	VoiceSpeed              float64 `json:"voiceSpeed"`
	VoicePitch              float64 `json:"voicePitch"`
	Temperature             float64 `json:"temperature"`
	SilenceWarning1Seconds  int     `json:"silenceWarning1Seconds"`
	SilenceWarning2Seconds  int     `json:"silenceWarning2Seconds"`
	SilenceEndSeconds       int     `json:"silenceEndSeconds"`
	AutoEndDelaySeconds     int     `json:"autoEndDelaySeconds"`
	UserSpeechEndDelayMs    int     `json:"userSpeechEndDelayMs"`
	AIResponseDelayMs       int     `json:"aiResponseDelayMs"`
	InterruptionThresholdMs int     `json:"interruptionThresholdMs"`
	MaxQuestions            int     `json:"maxQuestions"`
}

// Provider resolves configuration records. Both methods return ErrNotFound
// when nothing active matches.
type Provider interface {
	ConfigByToken(ctx context.Context, token string) (Snapshot, error)
	AISettings(ctx context.Context, settingsID string) (AISettings, error)
	Close() error
}
