package events

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes events to the domain_events outbox table.
type PGStore struct {
	Pool *pgxpool.Pool
}

func (s PGStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	if s.Pool == nil {
		return Event{}, errors.New("events: store not configured")
	}
	err := s.Pool.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5) RETURNING occurred_at`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt).Scan(&ev.OccurredAt)
	return ev, err
}
