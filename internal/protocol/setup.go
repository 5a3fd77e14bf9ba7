package protocol

// SetupMessage is the handshake sent upstream before any client traffic.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model                    string                   `json:"model"`
	GenerationConfig         GenerationConfig         `json:"generationConfig"`
	SystemInstruction        Content                  `json:"systemInstruction"`
	InputAudioTranscription  struct{}                 `json:"input_audio_transcription"`
	OutputAudioTranscription struct{}                 `json:"output_audio_transcription"`
	ContextWindowCompression ContextWindowCompression `json:"context_window_compression"`
	SessionResumption        struct{}                 `json:"session_resumption"`
}

type GenerationConfig struct {
	Temperature        float64      `json:"temperature"`
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       SpeechConfig `json:"speechConfig"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type Content struct {
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

type ContextWindowCompression struct {
	SlidingWindow struct{} `json:"sliding_window"`
	TriggerTokens int      `json:"trigger_tokens"`
}

// SetupParams are the per-session inputs of the handshake.
type SetupParams struct {
	Model         string
	Temperature   float64
	VoiceName     string
	Instruction   string
	TriggerTokens int
}

func NewSetup(p SetupParams) SetupMessage {
	return SetupMessage{Setup: Setup{
		Model: p.Model,
		GenerationConfig: GenerationConfig{
			Temperature:        p.Temperature,
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: SpeechConfig{
				VoiceConfig: VoiceConfig{
					PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: p.VoiceName},
				},
			},
		},
		SystemInstruction: Content{Parts: []Part{{Text: p.Instruction}}},
		ContextWindowCompression: ContextWindowCompression{
			TriggerTokens: p.TriggerTokens,
		},
	}}
}
