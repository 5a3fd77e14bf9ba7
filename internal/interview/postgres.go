package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider reads configs from the interview_configs and ai_settings
// tables created by the storage migrations. The pool is owned by the caller.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

// ConfigByToken returns an active configuration and bumps its usage count in
// the same statement.
func (p *PostgresProvider) ConfigByToken(ctx context.Context, token string) (Snapshot, error) {
	var (
		doc        []byte
		settingsID string
	)
	err := p.pool.QueryRow(ctx,
		`UPDATE interview_configs
		 SET usage_count = usage_count + 1
		 WHERE token = $1 AND is_active
		 RETURNING document, ai_settings_id`,
		token,
	).Scan(&doc, &settingsID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query interview config: %w", err)
	}
	return decodeSnapshot(token, settingsID, doc)
}

func (p *PostgresProvider) AISettings(ctx context.Context, settingsID string) (AISettings, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT document FROM ai_settings WHERE settings_id = $1`,
		settingsID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return AISettings{}, ErrNotFound
	}
	if err != nil {
		return AISettings{}, fmt.Errorf("query ai settings: %w", err)
	}
	return decodeAISettings(doc)
}

// Close is a no-op; the shared pool is closed by its owner.
func (p *PostgresProvider) Close() error { return nil }

func decodeSnapshot(token, settingsID string, doc []byte) (Snapshot, error) {
	s := blankSnapshot(token)
	if err := json.Unmarshal(doc, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode interview config %q: %w", token, err)
	}
	s.Token = token
	if settingsID != "" {
		s.AISettingsID = settingsID
	}
	if s.AISettingsID == "" {
		s.AISettingsID = DefaultSettingsID
	}
	return s, nil
}

func decodeAISettings(doc []byte) (AISettings, error) {
	s := DefaultAISettings()
	if err := json.Unmarshal(doc, &s); err != nil {
		return AISettings{}, fmt.Errorf("decode ai settings: %w", err)
	}
	return s, nil
}
