package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NopStore keeps nothing; the Recorder's memory is the only copy.
type NopStore struct{}

func (NopStore) CreateSession(context.Context, Session) error { return nil }

func (NopStore) AppendLatency(context.Context, string, int, LatencyMeasurement, Aggregates, int) error {
	return nil
}

func (NopStore) AppendNetwork(context.Context, string, int, NetworkSample, int) error { return nil }

func (NopStore) EndSession(context.Context, string, time.Time, string) error { return nil }

func (NopStore) GetSession(context.Context, string) (Session, error) { return Session{}, ErrNotFound }

func (NopStore) Close() error { return nil }

// NewStore returns a Postgres store when a pool is configured, otherwise a
// NopStore.
func NewStore(pool *pgxpool.Pool) Store {
	if pool == nil {
		return NopStore{}
	}
	return NewPostgresStore(pool)
}
