// Package protocol defines the JSON messages exchanged with interview clients
// and the upstream live model endpoint.
package protocol

import "github.com/ent0n29/interviewrelay/internal/interview"

const TypeConfig = "config"

// ConfigEcho is the first message a client receives after admission. It only
// carries settings the client needs; the instruction text and model tuning
// stay server side.
type ConfigEcho struct {
	Type   string       `json:"type"`
	Config ClientConfig `json:"config"`
}

type ClientConfig struct {
	Timing        Timing               `json:"timing"`
	TurnDetection TurnDetection        `json:"turnDetection"`
	UI            interview.UISettings `json:"ui"`
	Recording     interview.Recording  `json:"recording"`
	Interview     InterviewMeta        `json:"interview"`
	SessionID     string               `json:"sessionId"`
	CandidateUUID string               `json:"candidateUuid"`
}

type Timing struct {
	DurationMinutes        int `json:"durationMinutes"`
	SilenceWarning1Seconds int `json:"silenceWarning1Seconds"`
	SilenceWarning2Seconds int `json:"silenceWarning2Seconds"`
	SilenceEndSeconds      int `json:"silenceEndSeconds"`
	AutoEndDelaySeconds    int `json:"autoEndDelaySeconds"`
}

type TurnDetection struct {
	UserSpeechEndDelayMs    int `json:"userSpeechEndDelayMs"`
	AIResponseDelayMs       int `json:"aiResponseDelayMs"`
	InterruptionThresholdMs int `json:"interruptionThresholdMs"`
}

// InterviewMeta holds the non-sensitive interview fields. Unset values are
// sent as null.
type InterviewMeta struct {
	CompanyName   *string `json:"companyName"`
	JobRole       *string `json:"jobRole"`
	CandidateName *string `json:"candidateName"`
	Language      string  `json:"language"`
}

func NewConfigEcho(cfg interview.Snapshot, sessionID, candidateUUID string) ConfigEcho {
	ai := cfg.AISettings
	language := cfg.Language
	if language == "" {
		language = "indian-english"
	}
	return ConfigEcho{
		Type: TypeConfig,
		Config: ClientConfig{
			Timing: Timing{
				DurationMinutes:        cfg.DurationMinutes,
				SilenceWarning1Seconds: ai.SilenceWarning1Seconds,
				SilenceWarning2Seconds: ai.SilenceWarning2Seconds,
				SilenceEndSeconds:      ai.SilenceEndSeconds,
				AutoEndDelaySeconds:    ai.AutoEndDelaySeconds,
			},
			TurnDetection: TurnDetection{
				UserSpeechEndDelayMs:    ai.UserSpeechEndDelayMs,
				AIResponseDelayMs:       ai.AIResponseDelayMs,
				InterruptionThresholdMs: ai.InterruptionThresholdMs,
			},
			UI:        cfg.UI,
			Recording: cfg.Recording,
			Interview: InterviewMeta{
				CompanyName:   nullable(cfg.CompanyName),
				JobRole:       nullable(cfg.JobRole),
				CandidateName: nullable(cfg.CandidateName),
				Language:      language,
			},
			SessionID:     sessionID,
			CandidateUUID: candidateUUID,
		},
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
