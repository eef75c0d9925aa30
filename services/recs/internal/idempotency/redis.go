package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "recs:idempotent:"

	statePending = "pending"
	stateDone    = "done"
)

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	lease  time.Duration
}

func (s *redisStore) Claim(ctx context.Context, eventID string) (ClaimState, error) {
	key := keyPrefix + eventID
	set, err := s.client.SetNX(ctx, key, statePending, s.lease).Result()
	if err != nil {
		return 0, fmt.Errorf("setnx %s: %w", eventID, err)
	}
	if set {
		return Claimed, nil
	}
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The lease expired between the two calls; let the next delivery claim it.
		return InFlight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", eventID, err)
	}
	if v == stateDone {
		return Done, nil
	}
	return InFlight, nil
}

func (s *redisStore) Complete(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, keyPrefix+eventID, stateDone, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", eventID, err)
	}
	return nil
}

func (s *redisStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("del %s: %w", eventID, err)
	}
	return nil
}
