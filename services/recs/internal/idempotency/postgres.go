package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore needs the processed_events table from the store schema.
type postgresStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func (s *postgresStore) Claim(ctx context.Context, eventID string) (ClaimState, error) {
	// A pending row whose lease ran out is taken over.
	const q = `INSERT INTO processed_events (event_id, status, lease_until)
	           VALUES ($1, 'pending', now() + make_interval(secs => $2))
	           ON CONFLICT (event_id) DO UPDATE SET lease_until = EXCLUDED.lease_until
	             WHERE processed_events.status = 'pending'
	               AND processed_events.lease_until < now()
	           RETURNING status`
	var status string
	err := s.pool.QueryRow(ctx, q, eventID, s.lease.Seconds()).Scan(&status)
	if err == nil {
		return Claimed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim event %s: %w", eventID, err)
	}

	err = s.pool.QueryRow(ctx, `SELECT status FROM processed_events WHERE event_id = $1`, eventID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return InFlight, nil
	case err != nil:
		return 0, fmt.Errorf("event status %s: %w", eventID, err)
	case status == "done":
		return Done, nil
	}
	return InFlight, nil
}

func (s *postgresStore) Complete(ctx context.Context, eventID string) error {
	const q = `UPDATE processed_events SET status = 'done', lease_until = NULL WHERE event_id = $1`
	if _, err := s.pool.Exec(ctx, q, eventID); err != nil {
		return fmt.Errorf("complete event %s: %w", eventID, err)
	}
	return nil
}

func (s *postgresStore) Release(ctx context.Context, eventID string) error {
	const q = `DELETE FROM processed_events WHERE event_id = $1 AND status = 'pending'`
	if _, err := s.pool.Exec(ctx, q, eventID); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}
