package interview

// DefaultAISettings mirrors the seeded "default" ai_settings row. Missing
// fields in stored documents fall back to these values.
func DefaultAISettings() AISettings {
	return AISettings{
		VoiceSpeed:              1.0,
		VoicePitch:              0,
		Temperature:             0.7,
		SilenceWarning1Seconds:  35,
		SilenceWarning2Seconds:  50,
		SilenceEndSeconds:       60,
		AutoEndDelaySeconds:     8,
		UserSpeechEndDelayMs:    500,
		AIResponseDelayMs:       200,
		InterruptionThresholdMs: 300,
		MaxQuestions:            10,
	}
}

// DefaultSnapshot mirrors the seeded "default" interview config.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Token:             "default",
		VoiceName:         "Aoede",
		VoiceStyle:        "Professional and friendly",
		CompanyName:       "Demo Company",
		JobRole:           "Software Engineer",
		Language:          "indian-english",
		Country:           "India",
		IndustryType:      "Information Technology",
		YearsOfExperience: "1-3",
		DurationMinutes:   30,
		Proctoring: Proctoring{
			Enabled:              true,
			DetectMultiplePeople: true,
			DetectPhone:          true,
			DetectTabSwitch:      true,
			DetectLookingAway:    true,
			Strictness:           "normal",
		},
		UI: UISettings{
			AppTitle:        "AI Voice Interview",
			PrimaryColor:    "#00ffd5",
			BackgroundColor: "#0a0a0a",
			BackgroundStyle: "grid",
			WelcomeMessage:  "Click 'Start Interview' when you're ready to begin.",
			ShowTimer:       true,
			DarkModeDefault: true,
		},
		Recording: Recording{
			AudioEnabled:   true,
			ScreenEnabled:  true,
			AutoDownload:   false,
			UploadToServer: true,
		},
		AISettingsID: DefaultSettingsID,
		AISettings:   DefaultAISettings(),
	}
}

// blankSnapshot is the decode target for stored documents: everything a stored
// record may omit takes its default, while identity fields stay empty.
func blankSnapshot(token string) Snapshot {
	s := DefaultSnapshot()
	s.Token = token
	s.CompanyName = ""
	s.AISettings = AISettings{}
	return s
}
