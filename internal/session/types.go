package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// LatencyMeasurement is one client-reported turn latency. LatencyMs may be
// negative when client clocks disagree; it is stored as reported.
type LatencyMeasurement struct {
	Timestamp   time.Time `json:"timestamp"`
	UserEndTime int64     `json:"userEndTime"`
	AIStartTime int64     `json:"aiStartTime"`
	LatencyMs   int64     `json:"latencyMs"`
}

type NetworkSample struct {
	Timestamp time.Time `json:"timestamp"`
	SpeedMbps float64   `json:"speedMbps"`
	Quality   string    `json:"quality"`
}

// Session is the telemetry record of one interview connection.
type Session struct {
	SessionID        string               `json:"sessionId"`
	ConfigToken      string               `json:"configToken"`
	StartedAt        time.Time            `json:"startedAt"`
	EndedAt          *time.Time           `json:"endedAt"`
	LatencyLogs      []LatencyMeasurement `json:"latencyLogs"`
	AverageLatencyMs int64                `json:"averageLatencyMs"`
	MaxLatencyMs     int64                `json:"maxLatencyMs"`
	MinLatencyMs     int64                `json:"minLatencyMs"`
	NetworkLogs      []NetworkSample      `json:"networkLogs"`
	ResumptionHandle string               `json:"resumptionHandle,omitempty"`

	// LateWrites counts telemetry accepted after the session ended.
	LateWrites int `json:"lateWrites"`
}

func (s Session) Ended() bool {
	return s.EndedAt != nil
}

// Aggregates are the latency figures derived from a session's full log.
type Aggregates struct {
	AverageLatencyMs int64
	MaxLatencyMs     int64
	MinLatencyMs     int64
}

// Store persists telemetry written through by the Recorder.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	AppendLatency(ctx context.Context, sessionID string, seq int, m LatencyMeasurement, agg Aggregates, lateWrites int) error
	AppendNetwork(ctx context.Context, sessionID string, seq int, n NetworkSample, lateWrites int) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time, resumptionHandle string) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	Close() error
}

// LatencyResult is returned by RecordLatency.
type LatencyResult struct {
	SessionID string `json:"sessionId"`
	LatencyMs int64  `json:"latencyMs"`
	LateWrite bool   `json:"lateWrite,omitempty"`
}
