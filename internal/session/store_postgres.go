package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions into interview_sessions, latency_logs and
// network_logs. The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interview_sessions (session_id, config_token, started_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO NOTHING`,
		sess.SessionID,
		sess.ConfigToken,
		sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendLatency(ctx context.Context, sessionID string, seq int, m LatencyMeasurement, agg Aggregates, lateWrites int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin latency tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO latency_logs (session_id, seq, recorded_at, user_end_time, ai_start_time, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, seq, m.Timestamp, m.UserEndTime, m.AIStartTime, m.LatencyMs,
	); err != nil {
		return fmt.Errorf("insert latency log: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE interview_sessions
		 SET average_latency_ms = $2, max_latency_ms = $3, min_latency_ms = $4, late_writes = $5
		 WHERE session_id = $1`,
		sessionID, agg.AverageLatencyMs, agg.MaxLatencyMs, agg.MinLatencyMs, lateWrites,
	); err != nil {
		return fmt.Errorf("update latency aggregates: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit latency tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendNetwork(ctx context.Context, sessionID string, seq int, n NetworkSample, lateWrites int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin network tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO network_logs (session_id, seq, recorded_at, speed_mbps, quality)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, seq, n.Timestamp, n.SpeedMbps, n.Quality,
	); err != nil {
		return fmt.Errorf("insert network log: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE interview_sessions SET late_writes = $2 WHERE session_id = $1`,
		sessionID, lateWrites,
	); err != nil {
		return fmt.Errorf("update late writes: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit network tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time, resumptionHandle string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE interview_sessions SET ended_at = $2, resumption_handle = $3 WHERE session_id = $1`,
		sessionID, endedAt, resumptionHandle,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, config_token, started_at, ended_at, average_latency_ms,
		        max_latency_ms, min_latency_ms, resumption_handle, late_writes
		 FROM interview_sessions WHERE session_id = $1`,
		sessionID,
	).Scan(
		&sess.SessionID,
		&sess.ConfigToken,
		&sess.StartedAt,
		&sess.EndedAt,
		&sess.AverageLatencyMs,
		&sess.MaxLatencyMs,
		&sess.MinLatencyMs,
		&sess.ResumptionHandle,
		&sess.LateWrites,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}

	sess.LatencyLogs, err = s.latencyLogs(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	sess.NetworkLogs, err = s.networkLogs(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) latencyLogs(ctx context.Context, sessionID string) ([]LatencyMeasurement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT recorded_at, user_end_time, ai_start_time, latency_ms
		 FROM latency_logs WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query latency logs: %w", err)
	}
	defer rows.Close()

	out := []LatencyMeasurement{}
	for rows.Next() {
		var m LatencyMeasurement
		if err := rows.Scan(&m.Timestamp, &m.UserEndTime, &m.AIStartTime, &m.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan latency row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latency rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) networkLogs(ctx context.Context, sessionID string) ([]NetworkSample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT recorded_at, speed_mbps, quality
		 FROM network_logs WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query network logs: %w", err)
	}
	defer rows.Close()

	out := []NetworkSample{}
	for rows.Next() {
		var n NetworkSample
		if err := rows.Scan(&n.Timestamp, &n.SpeedMbps, &n.Quality); err != nil {
			return nil, fmt.Errorf("scan network row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate network rows: %w", err)
	}
	return out, nil
}

// Close is a no-op; the shared pool is closed by its owner.
func (s *PostgresStore) Close() error { return nil }
