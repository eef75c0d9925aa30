// Package idempotency deduplicates NATS event IDs.
//
// An event is claimed with a short lease before it is handled and marked
// done only after the handler succeeds. A claim left behind by a crashed
// consumer expires, so the redelivered event runs again.
//
// Primary backend: Redis SET NX with TTL (env REDIS_URL).
// Fallback: Postgres INSERT ... ON CONFLICT into processed_events.
// If neither is available, an in-memory store is used (development only).
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a completed event is remembered.
	DefaultTTL = 72 * time.Hour
	// DefaultLease bounds how long a claim blocks redeliveries.
	DefaultLease = 30 * time.Second
)

// ClaimState is the outcome of Claim.
type ClaimState int

const (
	// Claimed means the caller owns the event and must Complete or Release it.
	Claimed ClaimState = iota
	// InFlight means another delivery holds an unexpired claim.
	InFlight
	// Done means the event was already processed.
	Done
)

func (s ClaimState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	}
	return "unknown"
}

// Store tracks which events are being or have been processed.
type Store interface {
	Claim(ctx context.Context, eventID string) (ClaimState, error)
	// Complete marks eventID processed for the retention TTL.
	Complete(ctx context.Context, eventID string) error
	// Release drops an unfinished claim so a redelivery can run.
	Release(ctx context.Context, eventID string) error
}

// NewStore picks the best available backend: Redis > Postgres > in-memory.
// When isProd is true the in-memory fallback is refused.
func NewStore(rdb *redis.Client, pool *pgxpool.Pool, ttl time.Duration, isProd bool) (Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if rdb != nil {
		return &redisStore{client: rdb, ttl: ttl, lease: DefaultLease}, nil
	}
	if pool != nil {
		return &postgresStore{pool: pool, lease: DefaultLease}, nil
	}
	if isProd {
		return nil, errors.New("production requires REDIS_URL or DATABASE_URL for idempotency; in-memory store is not allowed")
	}
	return newMemoryStore(), nil
}
