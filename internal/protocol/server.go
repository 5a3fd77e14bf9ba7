package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ServerMessage holds the upstream fields the relay inspects. Everything else
// in a message is ignored here and forwarded untouched.
type ServerMessage struct {
	SetupComplete           json.RawMessage          `json:"setupComplete,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
	ToolCall                json.RawMessage          `json:"toolCall,omitempty"`
	UsageMetadata           json.RawMessage          `json:"usageMetadata,omitempty"`
}

type ServerContent struct {
	ModelTurn           json.RawMessage `json:"modelTurn,omitempty"`
	OutputTranscription *Transcription  `json:"outputTranscription,omitempty"`
	InputTranscription  *Transcription  `json:"inputTranscription,omitempty"`
	GenerationComplete  bool            `json:"generationComplete,omitempty"`
	TurnComplete        bool            `json:"turnComplete,omitempty"`
	Interrupted         bool            `json:"interrupted,omitempty"`
}

type Transcription struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal,omitempty"`
}

type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

// GoAway announces that the upstream will close the stream soon. TimeLeft is
// kept raw because its encoding is not stable across API versions.
type GoAway struct {
	TimeLeft json.RawMessage `json:"timeLeft,omitempty"`
}

func (g GoAway) TimeLeftString() string {
	if len(g.TimeLeft) == 0 {
		return "unknown"
	}
	var s string
	if err := json.Unmarshal(g.TimeLeft, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(g.TimeLeft))
}

var ErrNotObject = errors.New("message is not a JSON object")

func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ServerMessage{}, ErrNotObject
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// ResumptionHandle reports the handle to retain, if the update is resumable
// and carries one.
func (m ServerMessage) ResumptionHandle() (string, bool) {
	u := m.SessionResumptionUpdate
	if u == nil || !u.Resumable || u.NewHandle == "" {
		return "", false
	}
	return u.NewHandle, true
}

// Kind names the message for metrics.
func (m ServerMessage) Kind() string {
	switch {
	case len(m.SetupComplete) > 0:
		return "setupComplete"
	case m.ServerContent != nil:
		return "serverContent"
	case m.SessionResumptionUpdate != nil:
		return "sessionResumptionUpdate"
	case m.GoAway != nil:
		return "goAway"
	case len(m.ToolCall) > 0:
		return "toolCall"
	case len(m.UsageMetadata) > 0:
		return "usageMetadata"
	default:
		return "other"
	}
}

const KindRealtimeInput = "realtimeInput"

// FirstKey returns the first top-level key of a JSON object without decoding
// its value, or "unknown". Client frames carry base64 media, so this avoids a
// full unmarshal on the hot path.
func FirstKey(raw []byte) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return "unknown"
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return "unknown"
	}
	tok, err = dec.Token()
	if err != nil {
		return "unknown"
	}
	key, ok := tok.(string)
	if !ok || key == "" {
		return "unknown"
	}
	return key
}
